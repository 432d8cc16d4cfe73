// Package mds is the single typed facade over the metadata store: the only
// package in this module allowed to know about Postgres or S3-backed object
// location. Everything above it speaks in terms of
// models.JobRecord, models.TaskGroupRecord, and the Class taxonomy in
// errors.go.
package mds

import (
	"context"

	"marlinsup/internal/models"
)

// TaskGroupChange is one notification delivered by WatchTaskGroups.
type TaskGroupChange struct {
	TaskGroupID string
}

// Gateway abstracts every durable interaction the supervisor needs, so the
// core state machine and planner can be driven against an in-memory double
// in tests.
type Gateway interface {
	// FindUnassignedJobs scans for job records with no worker, or whose
	// mtime is older than the configured staleness threshold. It is
	// idempotent and may over-report.
	FindUnassignedJobs(ctx context.Context) ([]models.JobRecord, error)

	// AssignJob performs a conditional write: it succeeds only if the
	// stored record's worker still equals expectedWorker. On success it
	// atomically sets worker and refreshes mtime. Returns an error
	// classified Conflict if another supervisor won the race.
	AssignJob(ctx context.Context, candidate models.JobRecord, expectedWorker *string) error

	// Heartbeat refreshes mtime on a job this supervisor owns. Returns an
	// error classified Conflict (lock lost) if worker no longer matches.
	Heartbeat(ctx context.Context, jobID, self string) error

	// ListTaskGroups returns every task-group record for a job. Restartable;
	// may include records later superseded.
	ListTaskGroups(ctx context.Context, jobID string) ([]models.TaskGroupRecord, error)

	// SaveTaskGroups persists new task-group records. A record whose
	// TaskGroupID already exists fails that record with Conflict; other
	// records in the same call may still succeed. The returned map is
	// keyed by TaskGroupID and contains only the records that failed.
	SaveTaskGroups(ctx context.Context, groups []models.TaskGroupRecord) (map[string]error, error)

	// WatchTaskGroups produces a lazy, restartable stream of change
	// notifications for a job's task groups. The channel closes when ctx
	// is done.
	WatchTaskGroups(ctx context.Context, jobID string) (<-chan TaskGroupChange, error)

	// Locate resolves each key to an ordered list of hosts (most preferred
	// first). Keys it cannot resolve are simply absent from the result map.
	Locate(ctx context.Context, keys []string) (map[string][]string, error)
}
