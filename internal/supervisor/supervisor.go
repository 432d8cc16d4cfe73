package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"marlinsup/internal/config"
	"marlinsup/internal/mds"
	"marlinsup/internal/models"
	"marlinsup/internal/telemetry"
)

// RateLimiter is the subset of ratelimit.TokenBucket the supervisor needs,
// kept as an interface so discovery admission can be exercised without Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// auditor is implemented by Gateways that can record operator-visible
// lifecycle events (PostgresGateway does; MemoryGateway does not need to).
type auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string)
}

// completion is what an async op goroutine sends back to the main loop. The
// main loop re-checks liveness (is this job still tracked, still waiting on
// this exact op) before applying payload or err to any JobState field.
type completion struct {
	jobID string
	kind  opKind
	payload any
	err   error
}

type saveResult struct {
	groups []models.TaskGroupRecord
	failed map[string]error
}

// Supervisor runs the single recurring tick loop: one goroutine owns the job
// table outright, async MDS calls are dispatched to their own goroutines and
// report back only through the completions channel.
type Supervisor struct {
	uuid string
	gw   mds.Gateway
	aud  auditor
	log  *zap.Logger
	cfg  config.Config

	limiter RateLimiter // nil disables discovery admission control

	jobsMu sync.Mutex
	jobs   map[string]*JobState

	watchMu      sync.Mutex
	watchChans   map[string]<-chan mds.TaskGroupChange
	watchCancels map[string]context.CancelFunc

	discoveryCh chan models.JobRecord
	completions chan completion
	stopped     chan struct{}

	lastFind time.Time
}

// New constructs a Supervisor. self is this process's stable identity, used
// as the MDS "worker" value for every job it claims.
func New(self string, gw mds.Gateway, limiter RateLimiter, cfg config.Config, log *zap.Logger) *Supervisor {
	aud, _ := gw.(auditor)
	return &Supervisor{
		uuid:         self,
		gw:           gw,
		aud:          aud,
		log:          log,
		cfg:          cfg,
		limiter:      limiter,
		jobs:         map[string]*JobState{},
		watchChans:   map[string]<-chan mds.TaskGroupChange{},
		watchCancels: map[string]context.CancelFunc{},
		discoveryCh:  make(chan models.JobRecord, 64),
		completions:  make(chan completion, 64),
		stopped:      make(chan struct{}),
	}
}

// Run drives the tick loop until ctx is cancelled. A fatal assertion failure
// (errFatal, wrapped) panics out of this goroutine rather than returning: the
// MDS state is left consistent, so a process restart recovers the job under
// a fresh in-memory state. Each call gets its own stop channel, so Run can be
// called again on the same Supervisor once an earlier call has returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.stopped = make(chan struct{})
	defer close(s.stopped)

	timer := time.NewTimer(0) // fire immediately on startup
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec := <-s.discoveryCh:
			s.onJob(ctx, rec)

		case c := <-s.completions:
			s.handleCompletion(ctx, c)

		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.cfg.TickInterval)
		}
	}
}

// tick is the single global heartbeat: it fires findUnassignedJobs on its
// own cadence (fire-and-forget; results arrive later via discoveryCh), then
// synchronously visits every tracked job exactly once. The timer is only
// re-armed by Run after this function returns, so ticks never overlap.
func (s *Supervisor) tick(ctx context.Context) {
	start := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(start).Seconds()) }()

	if time.Since(s.lastFind) >= s.cfg.FindInterval {
		s.lastFind = time.Now()
		go s.discover(ctx)
	}

	s.jobsMu.Lock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	telemetry.OwnedJobsGauge.Set(float64(s.ownedCountLocked()))
	s.jobsMu.Unlock()

	for _, id := range ids {
		s.jobsMu.Lock()
		js := s.jobs[id]
		s.jobsMu.Unlock()
		if js == nil {
			continue
		}
		s.tickJob(ctx, js)
	}
}

func (s *Supervisor) discover(ctx context.Context) {
	findCtx, cancel := context.WithTimeout(ctx, s.cfg.MDSCallTimeout)
	defer cancel()

	recs, err := s.gw.FindUnassignedJobs(findCtx)
	if err != nil {
		s.log.Warn("findUnassignedJobs failed", zap.Error(err))
		return
	}
	telemetry.JobsDiscovered.Add(float64(len(recs)))
	for _, rec := range recs {
		select {
		case s.discoveryCh <- rec:
		case <-s.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// onJob handles one discovery event. A job unknown to this supervisor is a
// candidate to race for ownership, subject to the owned-job cap and the
// discovery rate limiter. A job already tracked and still racing (still
// StateUnassigned) is ignored — we're already racing it. A job tracked in
// any other state means the MDS thinks it's unowned or stale while we
// believe we own it: our lock is presumed lost, so we drop it rather than
// fight over it.
func (s *Supervisor) onJob(ctx context.Context, rec models.JobRecord) {
	s.jobsMu.Lock()
	js, known := s.jobs[rec.JobID]
	s.jobsMu.Unlock()

	if known {
		if js.state == StateUnassigned {
			return
		}
		s.log.Warn("rediscovered a job we believe we own; lock presumed lost",
			zap.String("jobID", rec.JobID), zap.String("state", string(js.state)))
		telemetry.JobsDropped.Inc()
		s.dropJob(rec.JobID)
		return
	}

	s.jobsMu.Lock()
	owned := s.ownedCountLocked()
	s.jobsMu.Unlock()
	if owned >= s.cfg.MaxOwnedJobs {
		s.log.Warn("dropping discovery event: owned-job cap reached", zap.String("jobID", rec.JobID), zap.Int("cap", s.cfg.MaxOwnedJobs))
		telemetry.JobsDropped.Inc()
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, "discovery:"+s.uuid)
		if err != nil {
			s.log.Warn("discovery rate limiter unavailable, admitting by default", zap.Error(err))
		} else if !allowed {
			return // will be rediscovered next findInterval
		}
	}

	js = newJobState(rec)
	s.jobsMu.Lock()
	s.jobs[rec.JobID] = js
	s.jobsMu.Unlock()
	s.tickJob(ctx, js)
}

func (s *Supervisor) dropJob(jobID string) {
	s.jobsMu.Lock()
	delete(s.jobs, jobID)
	s.jobsMu.Unlock()
	s.watchMu.Lock()
	delete(s.watchChans, jobID)
	if cancel, ok := s.watchCancels[jobID]; ok {
		cancel()
		delete(s.watchCancels, jobID)
	}
	s.watchMu.Unlock()
}

// withJobLock serializes one JobState field mutation behind jobsMu, the same
// lock Snapshot takes to read those fields. jobsMu otherwise only guards the
// jobs map itself, so without this a Snapshot call from the introspection
// handler can race with the tick loop's writes to state, phaseIndex,
// stateEnteredAt, fatalReason, and pending.
func (s *Supervisor) withJobLock(fn func()) {
	s.jobsMu.Lock()
	fn()
	s.jobsMu.Unlock()
}

func (s *Supervisor) ownedCountLocked() int {
	n := 0
	for _, js := range s.jobs {
		if js.state != StateUnassigned {
			n++
		}
	}
	return n
}

// startOp records the single outstanding op for a job and runs fn in its own
// goroutine under a bounded context, reporting the result back through
// completions. fn never touches JobState directly.
func (s *Supervisor) startOp(js *JobState, kind opKind, fn func(ctx context.Context) (any, error)) {
	s.withJobLock(func() { js.pending = &pendingOp{kind: kind, startedAt: time.Now()} })
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MDSCallTimeout)
		defer cancel()
		payload, err := fn(ctx)
		select {
		case s.completions <- completion{jobID: js.JobID, kind: kind, payload: payload, err: err}:
		case <-s.stopped:
		}
	}()
}

// tickJob is the per-job dispatch table. A pending op suppresses
// any new work until its completion arrives; a heartbeat due for refresh
// takes priority over the state's own work so mtime never goes stale enough
// for another supervisor to legitimately win a conditional write against us.
func (s *Supervisor) tickJob(ctx context.Context, js *JobState) {
	if js.pending != nil {
		if time.Since(js.pending.startedAt) > 2*s.cfg.MDSCallTimeout {
			s.log.Warn("pending op outlived its own deadline context, clearing defensively",
				zap.String("jobID", js.JobID), zap.String("op", string(js.pending.kind)))
			s.withJobLock(func() { js.pending = nil })
		} else {
			return
		}
	}

	if js.state != StateUnassigned && time.Since(js.lastHeartbeat) >= s.cfg.StalenessThreshold/2 {
		s.startOp(js, opHeartbeat, func(ctx context.Context) (any, error) {
			return nil, s.gw.Heartbeat(ctx, js.JobID, s.uuid)
		})
		return
	}

	switch js.state {
	case StateUnassigned:
		s.jobAssign(js)
	case StateUninitialized:
		s.jobRestore(js)
	case StatePlanning:
		s.taskGroupAssign(js)
	case StateRunning:
		s.runningTick(ctx, js)
	case StateDone:
		s.dropJob(js.JobID)
	default:
		s.fatal(js, fmt.Errorf("%w: job %s observed in impossible state %q", errFatal, js.JobID, js.state))
	}
}

// handleCompletion applies one async op's result to its job, after
// re-checking liveness: the job may have been dropped, or its pending op
// superseded, while the call was in flight. A Transient failure is retried
// by the tick loop up to the configured budget before the job is surfaced as
// fatal; every other outcome is handled by the op-specific handler.
func (s *Supervisor) handleCompletion(ctx context.Context, c completion) {
	s.jobsMu.Lock()
	js, ok := s.jobs[c.jobID]
	s.jobsMu.Unlock()
	if !ok {
		return
	}
	if js.pending == nil || js.pending.kind != c.kind {
		return // stale completion for a superseded or already-cleared op
	}
	s.withJobLock(func() { js.pending = nil })

	if c.err != nil && mds.Classify(c.err) == mds.ClassTransient {
		js.retries[c.kind]++
		if js.retries[c.kind] > s.cfg.MaxOpRetries {
			s.jobFatalOutcome(js, fmt.Sprintf("operation %s exceeded its retry budget: %v", c.kind, c.err))
			return
		}
		s.log.Warn("transient mds error, retrying next tick",
			zap.String("jobID", js.JobID), zap.String("op", string(c.kind)), zap.Error(c.err))
		return
	}
	if c.err == nil {
		js.retries[c.kind] = 0
	}

	switch c.kind {
	case opAssign:
		s.onAssignComplete(ctx, js, c.err)
	case opRestore:
		s.onRestoreComplete(ctx, js, c.payload, c.err)
	case opLocate:
		s.onLocateComplete(js, c.payload, c.err)
	case opSave:
		s.onSaveComplete(js, c.payload, c.err)
	case opList:
		s.onListComplete(js, c.payload, c.err)
	case opWatch:
		s.onWatchComplete(ctx, js, c.payload, c.err)
	case opHeartbeat:
		s.onHeartbeatComplete(ctx, js, c.err)
	}
}

func (s *Supervisor) fatal(js *JobState, err error) {
	s.log.Error("fatal assertion failure, crashing for restart recovery", zap.String("jobID", js.JobID), zap.Error(err))
	panic(err)
}

func (s *Supervisor) auditEvent(jobID, event, detail string) {
	if s.aud == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MDSCallTimeout)
	defer cancel()
	s.aud.AppendAudit(ctx, jobID, event, detail)
}

// jobFatalOutcome marks a job DONE with a recorded failure reason. Unlike
// fatal(), this is a normal, expected job outcome (retry budget exhausted,
// or a phase that could not complete successfully) rather than a programmer
// bug, so the supervisor keeps running.
func (s *Supervisor) jobFatalOutcome(js *JobState, reason string) {
	s.withJobLock(func() {
		js.fatalReason = reason
		js.enter(StateDone)
	})
	telemetry.JobsFatal.Inc()
	s.log.Error("job reached fatal outcome", zap.String("jobID", js.JobID), zap.String("reason", reason))
	s.auditEvent(js.JobID, "fatal", reason)
}

// jobAssign races for ownership of a freshly discovered job
// (UNASSIGNED -> UNINITIALIZED). The candidate is a fresh copy of the
// discovered record with worker set to self; expectedWorker is whatever
// worker was observed at discovery time, nil for a never-owned job.
func (s *Supervisor) jobAssign(js *JobState) {
	candidate := models.JobRecord{JobID: js.JobID, Phases: js.phases, InputKeys: js.jobInputKeys}.WithWorker(s.uuid)
	expected := js.priorWorker
	s.startOp(js, opAssign, func(ctx context.Context) (any, error) {
		return nil, s.gw.AssignJob(ctx, candidate, expected)
	})
}

func (s *Supervisor) onAssignComplete(ctx context.Context, js *JobState, err error) {
	if err != nil {
		switch mds.Classify(err) {
		case mds.ClassConflict:
			telemetry.AssignConflicts.Inc()
			telemetry.JobsDropped.Inc()
			s.log.Info("lost the assignment race", zap.String("jobID", js.JobID))
		case mds.ClassNotFound:
			s.log.Info("job vanished before assignment", zap.String("jobID", js.JobID))
		default:
			s.log.Warn("assignJob failed", zap.String("jobID", js.JobID), zap.Error(err))
		}
		s.dropJob(js.JobID)
		return
	}
	telemetry.AssignSuccesses.Inc()
	s.withJobLock(func() {
		js.lastHeartbeat = time.Now()
		js.enter(StateUninitialized)
	})
	s.auditEvent(js.JobID, "assigned", "")
	s.tickJob(ctx, js)
}

// jobRestore rebuilds in-memory planner state from durable task-group
// records (UNINITIALIZED -> PLANNING). It is the only path a
// newly-owned job takes, whether truly new or recovered from a crashed
// supervisor: a job with no task groups yet restores to phase 0 with empty
// slots, which taskGroupAssign then treats identically to a brand new job.
func (s *Supervisor) jobRestore(js *JobState) {
	s.startOp(js, opRestore, func(ctx context.Context) (any, error) {
		return s.gw.ListTaskGroups(ctx, js.JobID)
	})
}

func (s *Supervisor) onRestoreComplete(ctx context.Context, js *JobState, payload any, err error) {
	if err != nil {
		s.log.Warn("listTaskGroups failed during restore", zap.String("jobID", js.JobID), zap.Error(err))
		return
	}
	records, _ := payload.([]models.TaskGroupRecord)
	slots, maxPhase := binTaskGroupsByPhase(records, len(js.phases), func(format string, args ...any) {
		s.log.Sugar().Warnf(format, args...)
	})
	js.phaseSlots = slots
	s.withJobLock(func() {
		js.phaseIndex = maxPhase
		js.enter(StatePlanning)
	})
	s.auditEvent(js.JobID, "restored", fmt.Sprintf("phaseIndex=%d", maxPhase))
	s.tickJob(ctx, js)
}

// taskGroupAssign is the phase planner's driving loop. Steps 1-2
// are pure and synchronous: resolve this phase's input if not already
// resolved, then recompute unassignedKeys. If nothing is unassigned the
// phase is already fully planned and we move straight to RUNNING. Otherwise
// steps 3-4 go out to Locate asynchronously.
func (s *Supervisor) taskGroupAssign(js *JobState) {
	slot := js.slot(js.phaseIndex)
	if slot.input == nil {
		if js.phaseIndex == 0 {
			slot.input = append([]string{}, js.jobInputKeys...)
		} else {
			slot.input = nextPhaseInput(js.slot(js.phaseIndex - 1))
		}
	}
	recomputeUnassigned(slot)
	if len(slot.unassigned) == 0 {
		s.withJobLock(func() { js.enter(StateRunning) })
		return
	}

	keys := requestedKeys(slot.unassigned)
	s.startOp(js, opLocate, func(ctx context.Context) (any, error) {
		return s.gw.Locate(ctx, keys)
	})
}

func (s *Supervisor) onLocateComplete(js *JobState, payload any, err error) {
	if err != nil {
		s.log.Warn("mantaLocate failed, retrying next tick", zap.String("jobID", js.JobID), zap.Error(err))
		return
	}
	located, _ := payload.(map[string][]string)
	slot := js.slot(js.phaseIndex)

	requested := make(map[string]struct{}, len(slot.unassigned))
	for k := range slot.unassigned {
		requested[k] = struct{}{}
	}
	located = filterRequested(located, requested)

	phaseDesc, perr := js.currentPhaseDescriptor()
	if perr != nil {
		s.fatal(js, perr)
		return
	}

	groups, unlocatable := partition(slot.unassigned, located, js.JobID, js.phaseIndex, phaseDesc)
	if len(unlocatable) > 0 {
		telemetry.KeysUnlocatable.Add(float64(len(unlocatable)))
		js.failures = append(js.failures, unlocatable...)
		for _, r := range unlocatable {
			delete(slot.unassigned, r.Key)
			slot.failed = append(slot.failed, r.Key)
		}
		slot.input = removeKeys(slot.input, unlocatable)
	}
	if len(groups) == 0 {
		recomputeUnassigned(slot)
		if len(slot.unassigned) == 0 {
			s.withJobLock(func() { js.enter(StateRunning) })
			s.finishPhaseIfReady(js, slot)
		}
		return
	}

	s.startOp(js, opSave, func(ctx context.Context) (any, error) {
		failed, err := s.gw.SaveTaskGroups(ctx, groups)
		return saveResult{groups: groups, failed: failed}, err
	})
}

// removeKeys drops failed keys from a phase's resolved input so
// recomputeUnassigned never resurrects them as still-unassigned.
func removeKeys(input []string, failed []models.KeyResult) []string {
	drop := make(map[string]struct{}, len(failed))
	for _, r := range failed {
		drop[r.Key] = struct{}{}
	}
	out := make([]string, 0, len(input))
	for _, k := range input {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func (s *Supervisor) onSaveComplete(js *JobState, payload any, err error) {
	if err != nil {
		s.log.Warn("saveTaskGroups failed wholesale, retrying next tick", zap.String("jobID", js.JobID), zap.Error(err))
		return
	}
	res, _ := payload.(saveResult)
	slot := js.slot(js.phaseIndex)

	for _, g := range res.groups {
		if ferr, failed := res.failed[g.TaskGroupID]; failed {
			if mds.Classify(ferr) == mds.ClassConflict {
				s.fatal(js, fmt.Errorf("%w: task group id %s collided, should be impossible by uuid", errFatal, g.TaskGroupID))
				return
			}
			telemetry.SaveConflicts.Inc()
			s.log.Warn("save task group failed, will re-plan next tick", zap.String("taskGroupID", g.TaskGroupID), zap.Error(ferr))
			continue
		}
		if _, exists := slot.groups[g.TaskGroupID]; exists {
			s.fatal(js, fmt.Errorf("%w: task group id %s collided, should be impossible by uuid", errFatal, g.TaskGroupID))
			return
		}
		slot.groups[g.TaskGroupID] = g
	}
	recomputeUnassigned(slot)
	if len(slot.unassigned) == 0 {
		s.withJobLock(func() { js.enter(StateRunning) })
		s.finishPhaseIfReady(js, slot)
	}
}

// runningTick establishes the watch for this job's task groups exactly once,
// consults it every tick thereafter, then refreshes state by polling
// ListTaskGroups. The watch alone doesn't carry the actual task-group data,
// so a pending notification is only ever a hint to poll sooner — the poll
// that follows every tick is what detects completion, so correctness never
// depends on a notification arriving.
func (s *Supervisor) runningTick(ctx context.Context, js *JobState) {
	if !js.watching {
		s.startWatch(ctx, js)
		return
	}
	s.drainWatch(js.JobID)
	s.startOp(js, opList, func(ctx context.Context) (any, error) {
		return s.gw.ListTaskGroups(ctx, js.JobID)
	})
}

// startWatch opens the task-group change stream on a context scoped to the
// job, not to this single call: it lives until dropJob cancels it or Run's
// own ctx is cancelled, instead of being torn down the instant
// WatchTaskGroups returns.
func (s *Supervisor) startWatch(ctx context.Context, js *JobState) {
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchMu.Lock()
	s.watchCancels[js.JobID] = cancel
	s.watchMu.Unlock()

	s.withJobLock(func() { js.pending = &pendingOp{kind: opWatch, startedAt: time.Now()} })
	go func() {
		ch, err := s.gw.WatchTaskGroups(watchCtx, js.JobID)
		if err != nil {
			cancel()
		}
		select {
		case s.completions <- completion{jobID: js.JobID, kind: opWatch, payload: ch, err: err}:
		case <-s.stopped:
			cancel()
		}
	}()
}

// drainWatch non-blockingly empties the watch channel. Today nothing acts on
// a notification beyond discarding it — the poll that runs immediately after
// is the authoritative check — but draining keeps the channel from staying
// full and keeps the consult-every-tick contract honest.
func (s *Supervisor) drainWatch(jobID string) {
	s.watchMu.Lock()
	ch := s.watchChans[jobID]
	s.watchMu.Unlock()
	if ch == nil {
		return
	}
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *Supervisor) onWatchComplete(ctx context.Context, js *JobState, payload any, err error) {
	if err != nil {
		s.log.Warn("watchTaskGroups failed, retrying next tick", zap.String("jobID", js.JobID), zap.Error(err))
		return
	}
	ch, _ := payload.(<-chan mds.TaskGroupChange)
	s.withJobLock(func() { js.watching = true })
	s.watchMu.Lock()
	s.watchChans[js.JobID] = ch
	s.watchMu.Unlock()
	s.tickJob(ctx, js) // don't waste this tick: go straight to the first poll
}

func (s *Supervisor) onListComplete(js *JobState, payload any, err error) {
	if err != nil {
		s.log.Warn("listTaskGroups failed during running tick", zap.String("jobID", js.JobID), zap.Error(err))
		return
	}
	records, _ := payload.([]models.TaskGroupRecord)
	slots, _ := binTaskGroupsByPhase(records, len(js.phases), func(format string, args ...any) {
		s.log.Sugar().Warnf(format, args...)
	})
	fresh, ok := slots[js.phaseIndex]
	if !ok {
		return // nothing durable yet for the current phase
	}
	// Merge the freshly-listed durable groups into the tracked slot rather
	// than replacing it outright: input and permanently-failed keys exist
	// only in memory and must survive across polls.
	slot := js.slot(js.phaseIndex)
	slot.groups = fresh.groups
	s.finishPhaseIfReady(js, slot)
}

// finishPhaseIfReady is the completion test shared by every path that can
// observe a phase finishing: a poll during RUNNING, or a PLANNING round that
// resolved zero groups because every remaining key turned out unlocatable.
// A phase with no groups and no permanent failures is simply not planned
// yet, not complete.
func (s *Supervisor) finishPhaseIfReady(js *JobState, slot *phaseSlot) {
	if !phaseComplete(slot) {
		return
	}
	if !phaseAllOK(slot) {
		s.jobFatalOutcome(js, "phase "+strconv.Itoa(js.phaseIndex)+" had key(s) that failed or could not be located")
		return
	}

	telemetry.PhasesCompleted.Inc()
	s.auditEvent(js.JobID, "phase_complete", fmt.Sprintf("phase=%d", js.phaseIndex))

	if js.phaseIndex+1 < len(js.phases) {
		s.withJobLock(func() {
			js.phaseIndex++
			js.enter(StatePlanning)
		})
		return
	}
	s.withJobLock(func() { js.enter(StateDone) })
	s.auditEvent(js.JobID, "done", "")
}

func (s *Supervisor) onHeartbeatComplete(ctx context.Context, js *JobState, err error) {
	if err != nil {
		switch mds.Classify(err) {
		case mds.ClassConflict:
			s.log.Warn("lock lost on heartbeat", zap.String("jobID", js.JobID))
			telemetry.JobsDropped.Inc()
			s.dropJob(js.JobID)
		default:
			s.log.Warn("heartbeat failed, retrying next tick", zap.String("jobID", js.JobID), zap.Error(err))
		}
		return
	}
	s.withJobLock(func() { js.lastHeartbeat = time.Now() })
	s.tickJob(ctx, js) // proceed to the state's own work this same turn
}

// JobSnapshot is a read-only view of one tracked job, for the introspection
// surface. It never exposes *JobState so a caller can't mutate supervisor
// state from another goroutine.
type JobSnapshot struct {
	JobID       string
	State       string
	PhaseIndex  int
	FatalReason string
	EnteredAt   time.Time
}

// Snapshot returns a point-in-time copy of every job currently tracked. Safe
// to call from any goroutine; the introspection HTTP handler uses this.
func (s *Supervisor) Snapshot() []JobSnapshot {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, js := range s.jobs {
		out = append(out, JobSnapshot{
			JobID:       js.JobID,
			State:       string(js.state),
			PhaseIndex:  js.phaseIndex,
			FatalReason: js.fatalReason,
			EnteredAt:   js.stateEnteredAt,
		})
	}
	return out
}

// Self returns this process's stable MDS worker identity.
func (s *Supervisor) Self() string { return s.uuid }
