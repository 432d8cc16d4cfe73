package mds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"marlinsup/internal/models"
)

// PostgresGateway is the production Gateway: Postgres holds the durable job
// and task-group records, jsonb columns carry the user-opaque phase
// descriptors, and a NOTIFY trigger (see migrations/0001_init.sql) backs
// WatchTaskGroups. Object location is delegated to a Locator so Postgres
// never needs to know about the object store.
type PostgresGateway struct {
	pool    *pgxpool.Pool
	locator Locator
	log     *zap.Logger

	stalenessThreshold time.Duration
}

// NewPostgresGateway connects to Postgres and wires the given Locator.
func NewPostgresGateway(ctx context.Context, dsn string, locator Locator, stalenessThreshold time.Duration, log *zap.Logger) (*PostgresGateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresGateway{
		pool:               pool,
		locator:            locator,
		log:                log,
		stalenessThreshold: stalenessThreshold,
	}, nil
}

func (g *PostgresGateway) Close() {
	if g.pool != nil {
		g.pool.Close()
	}
}

// FindUnassignedJobs scans for job records with no worker, or whose mtime is
// older than the staleness threshold (abandoned). It is idempotent and may
// over-report: a job already being raced over by another goroutine in this
// same process will simply be ignored by Supervisor.onJob.
func (g *PostgresGateway) FindUnassignedJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT job_id, phases, input_keys, worker, mtime, state, results
		FROM jobs
		WHERE worker IS NULL OR mtime < now() - make_interval(secs => $1)
	`, g.stalenessThreshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: scan unassigned jobs: %v", ErrTransient, err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanJobRow(rows)
		if err != nil {
			g.log.Warn("skipping malformed job record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate unassigned jobs: %v", ErrTransient, err)
	}
	return out, nil
}

// AssignJob performs a conditional write: it succeeds only if the stored
// worker still equals expectedWorker.
func (g *PostgresGateway) AssignJob(ctx context.Context, candidate models.JobRecord, expectedWorker *string) error {
	if err := validateJobID(candidate.JobID); err != nil {
		return err
	}
	tag, err := g.pool.Exec(ctx, `
		UPDATE jobs
		SET worker = $1, mtime = now()
		WHERE job_id = $2
		  AND ((worker IS NULL AND $3::text IS NULL) OR worker = $3)
	`, candidate.Worker, candidate.JobID, expectedWorker)
	if err != nil {
		return fmt.Errorf("%w: assign job %s: %v", ErrTransient, candidate.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s already claimed by another worker", ErrConflict, candidate.JobID)
	}
	return nil
}

// Heartbeat refreshes mtime on a job this supervisor still owns.
func (g *PostgresGateway) Heartbeat(ctx context.Context, jobID, self string) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE jobs SET mtime = now() WHERE job_id = $1 AND worker = $2
	`, jobID, self)
	if err != nil {
		return fmt.Errorf("%w: heartbeat job %s: %v", ErrTransient, jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lock lost on job %s", ErrConflict, jobID)
	}
	return nil
}

// ListTaskGroups returns every task-group record for a job, ordered by
// phase then id. Callers are responsible for discarding out-of-range or
// duplicate records.
func (g *PostgresGateway) ListTaskGroups(ctx context.Context, jobID string) ([]models.TaskGroupRecord, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT task_group_id, job_id, phase_num, host, input_keys, phase, state, results
		FROM task_groups
		WHERE job_id = $1
		ORDER BY phase_num, task_group_id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: list task groups for %s: %v", ErrTransient, jobID, err)
	}
	defer rows.Close()

	var out []models.TaskGroupRecord
	for rows.Next() {
		rec, err := scanTaskGroupRow(rows)
		if err != nil {
			g.log.Warn("skipping malformed task group record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate task groups for %s: %v", ErrTransient, jobID, err)
	}
	return out, nil
}

// SaveTaskGroups persists new task-group records, one INSERT per record in a
// batch. A record whose id already exists is reported Conflict for that id
// alone; other records in the call may still succeed. The returned map is
// keyed by TaskGroupID and only contains entries that failed.
func (g *PostgresGateway) SaveTaskGroups(ctx context.Context, groups []models.TaskGroupRecord) (map[string]error, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, gr := range groups {
		inputKeys, err := json.Marshal(gr.InputKeys)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal input keys for %s: %v", ErrValidation, gr.TaskGroupID, err)
		}
		results, err := json.Marshal(gr.Results)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal results for %s: %v", ErrValidation, gr.TaskGroupID, err)
		}
		batch.Queue(`
			INSERT INTO task_groups (task_group_id, job_id, phase_num, host, input_keys, phase, state, results)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (task_group_id) DO NOTHING
		`, gr.TaskGroupID, gr.JobID, gr.PhaseNum, gr.Host, inputKeys, []byte(gr.Phase), gr.State, results)
	}

	br := g.pool.SendBatch(ctx, batch)
	defer br.Close()

	failed := map[string]error{}
	for _, gr := range groups {
		tag, err := br.Exec()
		if err != nil {
			failed[gr.TaskGroupID] = fmt.Errorf("%w: %v", ErrTransient, err)
			continue
		}
		if tag.RowsAffected() == 0 {
			failed[gr.TaskGroupID] = fmt.Errorf("%w: task group %s already exists", ErrConflict, gr.TaskGroupID)
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, nil
}

// WatchTaskGroups LISTENs on the per-job notification channel populated by
// the task_groups_notify trigger and forwards changes until ctx is done.
func (g *PostgresGateway) WatchTaskGroups(ctx context.Context, jobID string) (<-chan TaskGroupChange, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire watch conn for %s: %v", ErrTransient, jobID, err)
	}

	channel := pgx.Identifier{"taskgroups_" + jobID}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen on %s: %v", ErrTransient, jobID, err)
	}

	out := make(chan TaskGroupChange, 16)
	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					g.log.Warn("watch task groups ended", zap.String("jobID", jobID), zap.Error(err))
				}
				return
			}
			select {
			case out <- TaskGroupChange{TaskGroupID: notification.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Locate resolves keys to ordered host lists via the configured Locator.
func (g *PostgresGateway) Locate(ctx context.Context, keys []string) (map[string][]string, error) {
	hosts, err := g.locator.Locate(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: locate: %v", ErrTransient, err)
	}
	return hosts, nil
}

// AppendAudit records an operator-visible lifecycle event. Best-effort: a
// failure here never blocks or fails the caller's job-state transition.
func (g *PostgresGateway) AppendAudit(ctx context.Context, jobID, event, detail string) {
	if _, err := g.pool.Exec(ctx, `
		INSERT INTO audit_log (job_id, event, detail) VALUES ($1, $2, $3)
	`, jobID, event, detail); err != nil {
		g.log.Warn("append audit failed", zap.String("jobID", jobID), zap.Error(err))
	}
}

func validateJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty jobId", ErrValidation)
	}
	return nil
}

func scanJobRow(rows pgx.Rows) (models.JobRecord, error) {
	var rec models.JobRecord
	var phasesJSON, keysJSON, resultsJSON []byte
	if err := rows.Scan(&rec.JobID, &phasesJSON, &keysJSON, &rec.Worker, &rec.MTime, &rec.State, &resultsJSON); err != nil {
		return rec, fmt.Errorf("%w: scan job row: %v", ErrValidation, err)
	}
	if err := json.Unmarshal(phasesJSON, &rec.Phases); err != nil {
		return rec, fmt.Errorf("%w: job %s has malformed phases: %v", ErrValidation, rec.JobID, err)
	}
	if err := json.Unmarshal(keysJSON, &rec.InputKeys); err != nil {
		return rec, fmt.Errorf("%w: job %s has malformed inputKeys: %v", ErrValidation, rec.JobID, err)
	}
	if len(rec.Phases) == 0 {
		return rec, fmt.Errorf("%w: job %s has no phases", ErrValidation, rec.JobID)
	}
	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
			return rec, fmt.Errorf("%w: job %s has malformed results: %v", ErrValidation, rec.JobID, err)
		}
	}
	return rec, nil
}

func scanTaskGroupRow(rows pgx.Rows) (models.TaskGroupRecord, error) {
	var rec models.TaskGroupRecord
	var keysJSON, phaseJSON, resultsJSON []byte
	if err := rows.Scan(&rec.TaskGroupID, &rec.JobID, &rec.PhaseNum, &rec.Host, &keysJSON, &phaseJSON, &rec.State, &resultsJSON); err != nil {
		return rec, fmt.Errorf("%w: scan task group row: %v", ErrValidation, err)
	}
	if err := json.Unmarshal(keysJSON, &rec.InputKeys); err != nil {
		return rec, fmt.Errorf("%w: task group %s has malformed inputKeys: %v", ErrValidation, rec.TaskGroupID, err)
	}
	rec.Phase = json.RawMessage(phaseJSON)
	if len(rec.InputKeys) == 0 {
		return rec, fmt.Errorf("%w: task group %s has no inputKeys", ErrValidation, rec.TaskGroupID)
	}
	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
			return rec, fmt.Errorf("%w: task group %s has malformed results: %v", ErrValidation, rec.TaskGroupID, err)
		}
	}
	return rec, nil
}
