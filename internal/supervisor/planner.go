package supervisor

import (
	"sort"

	"github.com/google/uuid"

	"marlinsup/internal/models"
)

// partition implements planner step 4: for each located key, take the first
// (most preferred) host and group keys by host into fresh task-group
// records. Keys with no located host become a per-key failure outcome in
// the phase instead of a task group — the agent never sees them.
func partition(unassigned map[string]struct{}, located map[string][]string, jobID string, phaseNum int, phase []byte) ([]models.TaskGroupRecord, []models.KeyResult) {
	byHost := map[string][]string{}
	var unlocatable []models.KeyResult

	keys := make([]string, 0, len(unassigned))
	for k := range unassigned {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		hosts, ok := located[k]
		if !ok || len(hosts) == 0 {
			unlocatable = append(unlocatable, models.KeyResult{Key: k, Result: models.ResultFail})
			continue
		}
		byHost[hosts[0]] = append(byHost[hosts[0]], k)
	}

	hostNames := make([]string, 0, len(byHost))
	for h := range byHost {
		hostNames = append(hostNames, h)
	}
	sort.Strings(hostNames)

	groups := make([]models.TaskGroupRecord, 0, len(hostNames))
	for _, h := range hostNames {
		groups = append(groups, models.TaskGroupRecord{
			JobID:       jobID,
			TaskGroupID: uuid.NewString(),
			PhaseNum:    phaseNum,
			Host:        h,
			InputKeys:   byHost[h],
			Phase:       phase,
			State:       models.TaskGroupDispatched,
			Results:     []models.KeyResult{},
		})
	}
	return groups, unlocatable
}

// requestedKeys returns the keys Locate should be asked about, sorted for
// determinism (matters for tests asserting on Locate call arguments).
func requestedKeys(unassigned map[string]struct{}) []string {
	keys := make([]string, 0, len(unassigned))
	for k := range unassigned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// filterRequested drops any key in located that was not in requested: a
// locator that answers about keys it was never asked about is ignored
// rather than trusted.
func filterRequested(located map[string][]string, requested map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(located))
	for k, v := range located {
		if _, ok := requested[k]; ok {
			out[k] = v
		}
	}
	return out
}
