package mds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marlinsup/internal/models"
)

// MemoryGateway is an in-memory Gateway double for state-machine and
// planner tests: it implements the exact conditional-write and conflict
// semantics of PostgresGateway without a database, with one difference:
// AssignJob against a job that does not exist reports NotFound here, where
// PostgresGateway reports Conflict.
type MemoryGateway struct {
	mu sync.Mutex

	jobs       map[string]models.JobRecord
	taskGroups map[string]models.TaskGroupRecord
	locations  map[string][]string

	watchers map[string][]chan TaskGroupChange

	staleness time.Duration
}

// NewMemoryGateway constructs an empty double.
func NewMemoryGateway(staleness time.Duration) *MemoryGateway {
	return &MemoryGateway{
		jobs:       map[string]models.JobRecord{},
		taskGroups: map[string]models.TaskGroupRecord{},
		locations:  map[string][]string{},
		watchers:   map[string][]chan TaskGroupChange{},
		staleness:  staleness,
	}
}

// PutJob seeds a job record directly, bypassing AssignJob, for test setup.
func (m *MemoryGateway) PutJob(rec models.JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.JobID] = rec
}

// SetLocations seeds the key -> hosts mapping Locate will answer with.
func (m *MemoryGateway) SetLocations(locations map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = locations
}

// CompleteTaskGroup overwrites a stored task-group record directly, standing
// in for the per-host agent writing its results back. Not part of Gateway:
// a real agent talks to the MDS through its own path, not this facade.
func (m *MemoryGateway) CompleteTaskGroup(rec models.TaskGroupRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskGroups[rec.TaskGroupID] = rec
}

func (m *MemoryGateway) FindUnassignedJobs(ctx context.Context) ([]models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []models.JobRecord
	for _, j := range m.jobs {
		if j.Worker == nil || now.Sub(j.MTime) > m.staleness {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryGateway) AssignJob(ctx context.Context, candidate models.JobRecord, expectedWorker *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[candidate.JobID]
	if !ok {
		return fmt.Errorf("%w: job %s not found", ErrNotFound, candidate.JobID)
	}
	if !sameWorker(stored.Worker, expectedWorker) {
		return fmt.Errorf("%w: job %s already claimed", ErrConflict, candidate.JobID)
	}
	stored.Worker = candidate.Worker
	stored.MTime = time.Now()
	m.jobs[candidate.JobID] = stored
	return nil
}

func (m *MemoryGateway) Heartbeat(ctx context.Context, jobID, self string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[jobID]
	if !ok || stored.Worker == nil || *stored.Worker != self {
		return fmt.Errorf("%w: lock lost on job %s", ErrConflict, jobID)
	}
	stored.MTime = time.Now()
	m.jobs[jobID] = stored
	return nil
}

func (m *MemoryGateway) ListTaskGroups(ctx context.Context, jobID string) ([]models.TaskGroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskGroupRecord
	for _, g := range m.taskGroups {
		if g.JobID == jobID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryGateway) SaveTaskGroups(ctx context.Context, groups []models.TaskGroupRecord) (map[string]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed map[string]error
	for _, g := range groups {
		if _, exists := m.taskGroups[g.TaskGroupID]; exists {
			if failed == nil {
				failed = map[string]error{}
			}
			failed[g.TaskGroupID] = fmt.Errorf("%w: task group %s already exists", ErrConflict, g.TaskGroupID)
			continue
		}
		m.taskGroups[g.TaskGroupID] = g
		for _, ch := range m.watchers[g.JobID] {
			select {
			case ch <- TaskGroupChange{TaskGroupID: g.TaskGroupID}:
			default:
			}
		}
	}
	return failed, nil
}

func (m *MemoryGateway) WatchTaskGroups(ctx context.Context, jobID string) (<-chan TaskGroupChange, error) {
	m.mu.Lock()
	ch := make(chan TaskGroupChange, 16)
	m.watchers[jobID] = append(m.watchers[jobID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.removeWatcher(jobID, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// removeWatcher drops ch from jobID's watcher list before it's closed, under
// the same lock SaveTaskGroups holds while it sends: otherwise a send could
// race a close and panic. Caller must hold m.mu.
func (m *MemoryGateway) removeWatcher(jobID string, ch chan TaskGroupChange) {
	chans := m.watchers[jobID]
	for i, c := range chans {
		if c == ch {
			m.watchers[jobID] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (m *MemoryGateway) Locate(ctx context.Context, keys []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(keys))
	for _, k := range keys {
		if hosts, ok := m.locations[k]; ok && len(hosts) > 0 {
			out[k] = append([]string{}, hosts...)
		}
	}
	return out, nil
}

func sameWorker(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
