package models

import (
	"encoding/json"
	"time"
)

// JobState is the coarse status persisted on a job record. It is distinct
// from the in-memory supervisor state machine in internal/supervisor: a job
// record only ever shows "unassigned", "running", or "done" to the MDS.
type JobState string

const (
	JobUnassigned JobState = "unassigned"
	JobRunning    JobState = "running"
	JobDone       JobState = "done"
)

// ResultStatus is the outcome of a single key within a task group.
type ResultStatus string

const (
	ResultOK   ResultStatus = "ok"
	ResultFail ResultStatus = "fail"
)

// TaskGroupState tracks a task group's progress as reported by its agent.
type TaskGroupState string

const (
	TaskGroupDispatched TaskGroupState = "dispatched"
	TaskGroupRunning    TaskGroupState = "running"
	TaskGroupDone       TaskGroupState = "done"
)

// KeyResult is one entry of a task group's results, produced by the agent.
type KeyResult struct {
	Key     string       `json:"key"`
	Result  ResultStatus `json:"result"`
	Outputs []string     `json:"outputs,omitempty"`
}

// JobRecord is the durable, MDS-resident record for one job.
type JobRecord struct {
	JobID     string            `json:"jobId"`
	Phases    []json.RawMessage `json:"phases"`
	InputKeys []string          `json:"inputKeys"`
	Worker    *string           `json:"worker,omitempty"`
	MTime     time.Time         `json:"mtime"`
	State     JobState          `json:"state"`
	Results   []KeyResult       `json:"results,omitempty"`
}

// WithWorker returns a copy of the record with Worker set to self. It never
// mutates the receiver or shares the Phases/InputKeys backing arrays with the
// stored value's eventual mutation path — assignJob treats the candidate and
// the stored record as independent values.
func (j JobRecord) WithWorker(self string) JobRecord {
	clone := j
	phases := make([]json.RawMessage, len(j.Phases))
	copy(phases, j.Phases)
	clone.Phases = phases
	keys := make([]string, len(j.InputKeys))
	copy(keys, j.InputKeys)
	clone.InputKeys = keys
	clone.Worker = &self
	return clone
}

// TaskGroupRecord is the durable, MDS-resident record for one task group.
type TaskGroupRecord struct {
	JobID       string          `json:"jobId"`
	TaskGroupID string          `json:"taskGroupId"`
	PhaseNum    int             `json:"phaseNum"`
	Host        string          `json:"host"`
	InputKeys   []string        `json:"inputKeys"`
	Phase       json.RawMessage `json:"phase"`
	State       TaskGroupState  `json:"state"`
	Results     []KeyResult     `json:"results"`
}

// Complete reports whether every result for this group is terminal: a key
// either succeeded or failed, and the group itself has been marked done by
// its agent.
func (g TaskGroupRecord) Complete() bool {
	if g.State != TaskGroupDone {
		return false
	}
	for _, r := range g.Results {
		if r.Result != ResultOK && r.Result != ResultFail {
			return false
		}
	}
	return true
}

// AllOK reports whether every result in the group succeeded.
func (g TaskGroupRecord) AllOK() bool {
	for _, r := range g.Results {
		if r.Result != ResultOK {
			return false
		}
	}
	return true
}
