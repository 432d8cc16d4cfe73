package supervisor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marlinsup/internal/models"
)

// State is the in-memory lifecycle state of one job within this supervisor.
// It is never persisted; it is rebuilt from the MDS on every discovery.
type State string

const (
	StateUnassigned    State = "UNASSIGNED"
	StateUninitialized State = "UNINITIALIZED"
	StatePlanning      State = "PLANNING"
	StateRunning       State = "RUNNING"
	StateDone          State = "DONE"
)

// opKind names the single outstanding MDS Gateway call a job may have in
// flight at once; tickJob refuses to start a second one until the first
// completes.
type opKind string

const (
	opAssign    opKind = "assign"
	opRestore   opKind = "restore"
	opLocate    opKind = "locate"
	opSave      opKind = "save"
	opList      opKind = "list"
	opWatch     opKind = "watch"
	opHeartbeat opKind = "heartbeat"
)

type pendingOp struct {
	kind      opKind
	startedAt time.Time
	retries   int
}

// phaseSlot holds the resolved input, assigned task groups, and unassigned
// remainder for one phase of a job.
type phaseSlot struct {
	input      []string
	groups     map[string]models.TaskGroupRecord
	unassigned map[string]struct{}
	failed     []string // keys mantaLocate could never resolve: permanent, not retried
}

func newPhaseSlot() *phaseSlot {
	return &phaseSlot{groups: map[string]models.TaskGroupRecord{}}
}

// JobState is the rebuildable in-memory state for one job, owned exclusively
// by the supervisor that discovered it. It is never shared between
// goroutines without the Supervisor's jobsMu held, except for the single
// outstanding async operation spawned under pendingOp, which communicates
// back only via a completion value the main loop applies after checking
// liveness.
type JobState struct {
	JobID string

	state          State
	stateEnteredAt time.Time
	pending        *pendingOp

	priorWorker  *string // worker observed at discovery time; expectedWorker for assignJob
	phases       []json.RawMessage
	jobInputKeys []string

	phaseIndex int
	phaseSlots map[int]*phaseSlot

	retries       map[opKind]int
	lastHeartbeat time.Time
	failures      []models.KeyResult // per-key unlocatable outcomes, for introspection only

	fatalReason string
	watching    bool // true once watchTaskGroups has been established for this job
}

func newJobState(rec models.JobRecord) *JobState {
	return &JobState{
		JobID:          rec.JobID,
		state:          StateUnassigned,
		stateEnteredAt: time.Now(),
		priorWorker:    rec.Worker,
		phases:         rec.Phases,
		jobInputKeys:   rec.InputKeys,
		phaseSlots:     map[int]*phaseSlot{},
		retries:        map[opKind]int{},
	}
}

func (j *JobState) enter(s State) {
	j.state = s
	j.stateEnteredAt = time.Now()
}

func (j *JobState) slot(phase int) *phaseSlot {
	s, ok := j.phaseSlots[phase]
	if !ok {
		s = newPhaseSlot()
		j.phaseSlots[phase] = s
	}
	return s
}

func (j *JobState) currentPhaseDescriptor() (json.RawMessage, error) {
	if j.phaseIndex < 0 || j.phaseIndex >= len(j.phases) {
		return nil, fmt.Errorf("%w: job %s phaseIndex %d out of range (len=%d)", errFatal, j.JobID, j.phaseIndex, len(j.phases))
	}
	return j.phases[j.phaseIndex], nil
}

// recomputeUnassigned keeps unassignedKeys exactly equal to input minus the
// union of every group's inputKeys in this phase.
func recomputeUnassigned(slot *phaseSlot) {
	assigned := map[string]struct{}{}
	for _, g := range slot.groups {
		for _, k := range g.InputKeys {
			assigned[k] = struct{}{}
		}
	}
	unassigned := map[string]struct{}{}
	for _, k := range slot.input {
		if _, ok := assigned[k]; !ok {
			unassigned[k] = struct{}{}
		}
	}
	slot.unassigned = unassigned
}

// binTaskGroupsByPhase groups durable records by phaseNum, discarding
// out-of-range phases and duplicate ids, and returns the highest phase
// number observed so jobRestore can resume there.
func binTaskGroupsByPhase(records []models.TaskGroupRecord, numPhases int, log func(string, ...any)) (map[int]*phaseSlot, int) {
	slots := map[int]*phaseSlot{}
	seen := map[string]struct{}{}
	maxPhase := 0

	for _, rec := range records {
		if rec.PhaseNum < 0 || rec.PhaseNum >= numPhases {
			log("discarding task group %s: phaseNum %d out of range (numPhases=%d)", rec.TaskGroupID, rec.PhaseNum, numPhases)
			continue
		}
		if _, dup := seen[rec.TaskGroupID]; dup {
			log("discarding duplicate task group id %s", rec.TaskGroupID)
			continue
		}
		seen[rec.TaskGroupID] = struct{}{}

		slot, ok := slots[rec.PhaseNum]
		if !ok {
			slot = newPhaseSlot()
			slots[rec.PhaseNum] = slot
		}
		slot.groups[rec.TaskGroupID] = rec
		if rec.PhaseNum > maxPhase {
			maxPhase = rec.PhaseNum
		}
	}
	return slots, maxPhase
}

// phaseComplete tests whether every group in the phase is done and every
// result in every group is terminal, and nothing remains unassigned. A
// phase whose every key turned out unlocatable has no groups at all and is
// complete as soon as nothing is left to plan.
func phaseComplete(slot *phaseSlot) bool {
	if len(slot.unassigned) != 0 {
		return false
	}
	if len(slot.groups) == 0 && len(slot.failed) == 0 {
		return false // never actually planned yet
	}
	for _, g := range slot.groups {
		if !g.Complete() {
			return false
		}
	}
	return true
}

// phaseAllOK reports whether every group in a complete phase succeeded on
// every key, and no key in the phase was permanently unlocatable. A false
// result means the job should surface as fatal.
func phaseAllOK(slot *phaseSlot) bool {
	if len(slot.failed) > 0 {
		return false
	}
	for _, g := range slot.groups {
		if !g.AllOK() {
			return false
		}
	}
	return true
}

// nextPhaseInput implements planner step 1 for phase k>0: the concatenation,
// in group-result order, of every ok result's outputs from the prior phase.
// Duplicate output keys are preserved verbatim.
func nextPhaseInput(prior *phaseSlot) []string {
	ids := make([]string, 0, len(prior.groups))
	for id := range prior.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []string
	for _, id := range ids {
		g := prior.groups[id]
		for _, r := range g.Results {
			if r.Result == models.ResultOK {
				out = append(out, r.Outputs...)
			}
		}
	}
	return out
}
