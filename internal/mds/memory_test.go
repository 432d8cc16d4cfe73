package mds

import (
	"context"
	"testing"
	"time"

	"marlinsup/internal/models"
)

func seedJob(gw *MemoryGateway, id string) models.JobRecord {
	rec := models.JobRecord{JobID: id, InputKeys: []string{"k1"}, State: models.JobUnassigned}
	gw.PutJob(rec)
	return rec
}

// AssignJob must only succeed when the stored worker still matches what the
// caller last observed; a mismatch means another supervisor already won.
func TestMemoryGateway_AssignJob_ConflictOnStaleExpectedWorker(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	rec := seedJob(gw, "job-1")

	if err := gw.AssignJob(context.Background(), rec.WithWorker("sup-a"), nil); err != nil {
		t.Fatalf("first assign should succeed with expectedWorker=nil, got %v", err)
	}

	err := gw.AssignJob(context.Background(), rec.WithWorker("sup-b"), nil)
	if Classify(err) != ClassConflict {
		t.Fatalf("expected conflict reassigning an already-claimed job with a stale expected worker, got %v", err)
	}
}

// A supervisor that correctly names the current worker as its expected value
// (e.g. recovering its own ownership) must be allowed to write again.
func TestMemoryGateway_AssignJob_SucceedsWhenExpectedWorkerMatches(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	rec := seedJob(gw, "job-1")

	if err := gw.AssignJob(context.Background(), rec.WithWorker("sup-a"), nil); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	current := "sup-a"
	if err := gw.AssignJob(context.Background(), rec.WithWorker("sup-a"), &current); err != nil {
		t.Fatalf("re-asserting ownership with a matching expected worker should succeed, got %v", err)
	}
}

func TestMemoryGateway_AssignJob_NotFound(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	err := gw.AssignJob(context.Background(), models.JobRecord{JobID: "ghost"}.WithWorker("sup-a"), nil)
	if Classify(err) != ClassNotFound {
		t.Fatalf("expected not-found classifying an assign against an unknown job, got %v", err)
	}
}

// Heartbeat must refuse to refresh mtime once the caller no longer owns the
// job, the same conditional check AssignJob performs.
func TestMemoryGateway_Heartbeat_ConflictAfterLockLoss(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	rec := seedJob(gw, "job-1")
	if err := gw.AssignJob(context.Background(), rec.WithWorker("sup-a"), nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	other := "sup-b"
	stolen := rec.WithWorker("sup-b")
	stolen.Worker = &other
	gw.PutJob(stolen)

	err := gw.Heartbeat(context.Background(), "job-1", "sup-a")
	if Classify(err) != ClassConflict {
		t.Fatalf("expected a heartbeat from the former owner to conflict, got %v", err)
	}
}

// SaveTaskGroups must report a conflict per already-existing ID without
// failing the whole batch, since task group IDs are generated by the caller
// and a duplicate means this exact group was already durably saved.
func TestMemoryGateway_SaveTaskGroups_PartialConflict(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	g1 := models.TaskGroupRecord{JobID: "job-1", TaskGroupID: "g1", Host: "host-a", InputKeys: []string{"k1"}}
	g2 := models.TaskGroupRecord{JobID: "job-1", TaskGroupID: "g2", Host: "host-a", InputKeys: []string{"k2"}}

	failed, err := gw.SaveTaskGroups(context.Background(), []models.TaskGroupRecord{g1})
	if err != nil || len(failed) != 0 {
		t.Fatalf("expected first save of g1 to succeed cleanly, failed=%v err=%v", failed, err)
	}

	failed, err = gw.SaveTaskGroups(context.Background(), []models.TaskGroupRecord{g1, g2})
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly g1 to conflict on resave, got %+v", failed)
	}
	if Classify(failed["g1"]) != ClassConflict {
		t.Fatalf("expected g1's failure to classify as Conflict, got %v", failed["g1"])
	}

	groups, err := gw.ListTaskGroups(context.Background(), "job-1")
	if err != nil || len(groups) != 2 {
		t.Fatalf("expected g1 and g2 both stored, got %d err=%v", len(groups), err)
	}
}

// A job whose worker has gone stale past the staleness threshold must be
// rediscoverable even though it still names a worker, since that worker is
// presumed dead.
func TestMemoryGateway_FindUnassignedJobs_IncludesStaleWorkers(t *testing.T) {
	gw := NewMemoryGateway(10 * time.Millisecond)
	rec := seedJob(gw, "job-1")
	if err := gw.AssignJob(context.Background(), rec.WithWorker("sup-a"), nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	found, err := gw.FindUnassignedJobs(context.Background())
	if err != nil || len(found) != 0 {
		t.Fatalf("expected a freshly-claimed job to be excluded, got %d err=%v", len(found), err)
	}

	time.Sleep(20 * time.Millisecond)
	found, err = gw.FindUnassignedJobs(context.Background())
	if err != nil || len(found) != 1 {
		t.Fatalf("expected the now-stale job to be rediscoverable, got %d err=%v", len(found), err)
	}
}

// Locate must omit keys it has no location for rather than return a nil or
// empty host slice for them.
func TestMemoryGateway_Locate_OmitsUnknownKeys(t *testing.T) {
	gw := NewMemoryGateway(time.Minute)
	gw.SetLocations(map[string][]string{"k1": {"host-a"}})

	out, err := gw.Locate(context.Background(), []string{"k1", "ghost"})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if _, ok := out["ghost"]; ok {
		t.Fatalf("expected an unlocatable key to be absent from the result, got %+v", out)
	}
	if len(out["k1"]) != 1 || out["k1"][0] != "host-a" {
		t.Fatalf("unexpected k1 hosts: %v", out["k1"])
	}
}
