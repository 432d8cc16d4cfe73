package supervisor

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"marlinsup/internal/config"
	"marlinsup/internal/mds"
	"marlinsup/internal/models"
)

func testConfig() config.Config {
	return config.Config{
		FindInterval:       10 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		StalenessThreshold: time.Minute,
		MDSCallTimeout:     time.Second,
		MaxOwnedJobs:       100,
		MaxOpRetries:       5,
	}
}

func runFor(t *testing.T, sup *Supervisor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = sup.Run(ctx)
}

func onePhaseJob(id string, inputKeys []string) models.JobRecord {
	phase, _ := json.Marshal(map[string]any{"kind": "noop"})
	return models.JobRecord{
		JobID:     id,
		Phases:    []json.RawMessage{phase},
		InputKeys: inputKeys,
		State:     models.JobUnassigned,
	}
}

// A single-phase job with every key resolvable to one host should be
// claimed, planned into one task group, and, once the agent-side results
// land, reach DONE and be dropped from the job table.
func TestSupervisor_ClaimsPlansAndCompletes(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	gw.PutJob(onePhaseJob("job-1", []string{"k1", "k2"}))
	gw.SetLocations(map[string][]string{
		"k1": {"host-a"},
		"k2": {"host-a"},
	})

	sup := New("sup-1", gw, nil, testConfig(), zap.NewNop())
	runFor(t, sup, 120*time.Millisecond)

	snap := sup.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 tracked job, got %d", len(snap))
	}
	if snap[0].State != string(StateRunning) {
		t.Fatalf("expected job to reach RUNNING (awaiting agent results), got %s", snap[0].State)
	}

	groups, err := gw.ListTaskGroups(context.Background(), "job-1")
	if err != nil || len(groups) != 1 {
		t.Fatalf("expected 1 saved task group, got %d err=%v", len(groups), err)
	}
	if groups[0].Host != "host-a" || len(groups[0].InputKeys) != 2 {
		t.Fatalf("unexpected task group shape: %+v", groups[0])
	}

	// Simulate the agent finishing the group; the next poll should move the
	// job to DONE since this job has only one phase.
	done := groups[0]
	done.State = models.TaskGroupDone
	done.Results = []models.KeyResult{
		{Key: "k1", Result: models.ResultOK},
		{Key: "k2", Result: models.ResultOK},
	}
	gw.CompleteTaskGroup(done)

	runFor(t, sup, 60*time.Millisecond)
	snap = sup.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("expected job to be dropped once DONE, still tracked: %+v", snap)
	}
}

// Two supervisors racing the same job: exactly one must win, and the loser
// must never observe itself as owner.
func TestSupervisor_MutualExclusion(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	gw.PutJob(onePhaseJob("job-race", []string{"k1"}))
	gw.SetLocations(map[string][]string{"k1": {"host-a"}})

	supA := New("sup-a", gw, nil, testConfig(), zap.NewNop())
	supB := New("sup-b", gw, nil, testConfig(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	done := make(chan struct{}, 2)
	go func() { _ = supA.Run(ctx); done <- struct{}{} }()
	go func() { _ = supB.Run(ctx); done <- struct{}{} }()
	<-done
	<-done

	aOwns := len(supA.Snapshot())
	bOwns := len(supB.Snapshot())
	if aOwns+bOwns != 1 {
		t.Fatalf("expected exactly one supervisor to own the job, got a=%d b=%d", aOwns, bOwns)
	}
}

// A job discovered while already tracked in a non-UNASSIGNED state means
// this supervisor's lock was lost; it must drop the job rather than keep
// acting as if it still owns it.
func TestSupervisor_DropsOnRediscoveryAfterLockLoss(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	rec := onePhaseJob("job-lost", []string{"k1"})
	gw.PutJob(rec)
	gw.SetLocations(map[string][]string{"k1": {"host-a"}})

	sup := New("sup-1", gw, nil, testConfig(), zap.NewNop())
	runFor(t, sup, 30*time.Millisecond)
	if len(sup.Snapshot()) != 1 {
		t.Fatalf("expected sup-1 to have claimed the job first")
	}

	// Steal ownership out from under sup-1 directly, as if another
	// supervisor's conditional write won after sup-1's mtime went stale.
	stolen := rec
	other := "sup-2"
	stolen.Worker = &other
	gw.PutJob(stolen)

	runFor(t, sup, 80*time.Millisecond)
	if len(sup.Snapshot()) != 0 {
		t.Fatalf("expected sup-1 to drop the job after losing its lock, still tracked: %+v", sup.Snapshot())
	}
}

// Re-running the planner's pure steps against a phase that already has
// every key assigned must not create new task groups: unassignedKeys stays
// exactly input minus already-assigned keys, however many times it's
// recomputed.
func TestPlanner_IdempotentReentry(t *testing.T) {
	js := newJobState(onePhaseJob("job-idem", []string{"k1", "k2"}))
	slot := js.slot(0)
	slot.input = []string{"k1", "k2"}
	slot.groups["g1"] = models.TaskGroupRecord{
		TaskGroupID: "g1",
		PhaseNum:    0,
		Host:        "host-a",
		InputKeys:   []string{"k1", "k2"},
		State:       models.TaskGroupDispatched,
	}

	recomputeUnassigned(slot)
	if len(slot.unassigned) != 0 {
		t.Fatalf("expected every key already assigned, got unassigned=%v", slot.unassigned)
	}

	// A second pass over the same slot must find nothing new to plan.
	recomputeUnassigned(slot)
	if len(slot.unassigned) != 0 {
		t.Fatalf("expected idempotent re-entry to still find nothing unassigned")
	}
	groups, unlocatable := partition(slot.unassigned, map[string][]string{"k1": {"host-a"}, "k2": {"host-a"}}, js.JobID, 0, nil)
	if len(groups) != 0 || len(unlocatable) != 0 {
		t.Fatalf("expected no new groups or failures from an empty unassigned set, got groups=%d unlocatable=%d", len(groups), len(unlocatable))
	}
}

// A key that mantaLocate can never resolve must surface as a permanent,
// non-retried failure rather than stall the phase forever.
func TestOnLocateComplete_UnlocatableKeyIsPermanentFailure(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	js := newJobState(onePhaseJob("job-unlocatable", []string{"ghost"}))
	js.enter(StatePlanning)
	sup := New("sup-1", gw, nil, testConfig(), zap.NewNop())

	sup.taskGroupAssign(js)
	js.pending = nil
	sup.onLocateComplete(js, map[string][]string{}, nil) // nothing located

	slot := js.slot(0)
	if len(slot.failed) != 1 || slot.failed[0] != "ghost" {
		t.Fatalf("expected ghost recorded as permanently failed, got %+v", slot.failed)
	}
	if js.state != StateDone {
		t.Fatalf("expected job to reach a fatal DONE outcome, got %s", js.state)
	}
	if js.fatalReason == "" {
		t.Fatalf("expected a fatal reason to be recorded")
	}
}

// In a two-phase job, phase 0 whose only group is done with every key ok
// must test complete and successful, and phase 1's input must come from
// phase 0's outputs, not the job's original inputKeys.
func TestPlanner_PhaseMonotonicity(t *testing.T) {
	phase0, _ := json.Marshal(map[string]any{"step": 0})
	phase1, _ := json.Marshal(map[string]any{"step": 1})
	rec := models.JobRecord{
		JobID:     "job-phases",
		Phases:    []json.RawMessage{phase0, phase1},
		InputKeys: []string{"k1"},
	}
	js := newJobState(rec)

	slot0 := js.slot(0)
	slot0.groups["g1"] = models.TaskGroupRecord{
		TaskGroupID: "g1",
		PhaseNum:    0,
		State:       models.TaskGroupDone,
		InputKeys:   []string{"k1"},
		Results:     []models.KeyResult{{Key: "k1", Result: models.ResultOK, Outputs: []string{"k1-out"}}},
	}
	slot0.input = []string{"k1"}
	slot0.unassigned = map[string]struct{}{}

	if !phaseComplete(slot0) || !phaseAllOK(slot0) {
		t.Fatalf("expected phase 0 to be complete and ok")
	}

	next := nextPhaseInput(slot0)
	if len(next) != 1 || next[0] != "k1-out" {
		t.Fatalf("expected phase 1 input to be phase 0's outputs, got %v", next)
	}
}

// The watch must outlive the single tick that establishes it: once a job
// reaches RUNNING its watch channel should stay open across subsequent
// ticks, and close only once the job is dropped.
func TestSupervisor_WatchSurvivesAcrossTicks(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	gw.PutJob(onePhaseJob("job-watch", []string{"k1"}))
	gw.SetLocations(map[string][]string{"k1": {"host-a"}})

	sup := New("sup-1", gw, nil, testConfig(), zap.NewNop())
	// One Run spans the whole test: the watch's context derives from Run's,
	// so a check made after Run returned would only see that cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { _ = sup.Run(ctx); close(runDone) }()
	defer func() { cancel(); <-runDone }()
	time.Sleep(60 * time.Millisecond)

	sup.jobsMu.Lock()
	js := sup.jobs["job-watch"]
	watching := js != nil && js.watching
	sup.jobsMu.Unlock()
	if !watching {
		t.Fatalf("expected job-watch to have established its watch by now")
	}

	sup.watchMu.Lock()
	ch, ok := sup.watchChans["job-watch"]
	sup.watchMu.Unlock()
	if !ok {
		t.Fatalf("expected a watch channel to be tracked for job-watch")
	}
	select {
	case _, open := <-ch:
		if !open {
			t.Fatalf("expected the watch channel to still be open after several ticks")
		}
	default:
	}

	groups, _ := gw.ListTaskGroups(context.Background(), "job-watch")
	done := groups[0]
	done.State = models.TaskGroupDone
	done.Results = []models.KeyResult{{Key: "k1", Result: models.ResultOK}}
	gw.CompleteTaskGroup(done)

	time.Sleep(60 * time.Millisecond)

	sup.watchMu.Lock()
	_, stillTracked := sup.watchChans["job-watch"]
	sup.watchMu.Unlock()
	if stillTracked {
		t.Fatalf("expected the watch to be torn down once the job reached DONE")
	}

	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected the watch's underlying channel to close once its job was dropped")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected the watch channel to close promptly once cancelled")
	}
}

// Snapshot reads JobState fields that the tick loop mutates from a different
// goroutine; running them concurrently for a while is a smoke test against
// the lock discipline (a real race is only provable under -race, but this
// at least exercises the interleaving heavily).
func TestSupervisor_SnapshotConcurrentWithRun(t *testing.T) {
	gw := mds.NewMemoryGateway(time.Minute)
	for i := 0; i < 5; i++ {
		id := "job-concurrent-" + strconv.Itoa(i)
		gw.PutJob(onePhaseJob(id, []string{"k1"}))
	}
	gw.SetLocations(map[string][]string{"k1": {"host-a"}})

	sup := New("sup-1", gw, nil, testConfig(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	runDone := make(chan struct{})
	go func() { _ = sup.Run(ctx); close(runDone) }()

	for i := 0; i < 200; i++ {
		_ = sup.Snapshot()
		time.Sleep(time.Millisecond / 2)
	}
	<-runDone
}
