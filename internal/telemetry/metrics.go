package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsDiscovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_jobs_discovered_total", Help: "Unassigned or stale job records observed by findUnassignedJobs"})
	JobsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_jobs_dropped_total", Help: "Jobs dropped from the job table: lost race, lost lock, or cap reached"})
	AssignConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_assign_conflicts_total", Help: "assignJob calls that lost the ownership race"})
	AssignSuccesses  = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_assign_successes_total", Help: "assignJob calls that won ownership"})
	SaveConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_save_task_group_conflicts_total", Help: "saveTaskGroups records that failed for a reason other than an id collision and are re-planned"})
	PhasesCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_phases_completed_total", Help: "Phases that reached full completion with all keys ok"})
	JobsFatal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_jobs_fatal_total", Help: "Jobs that reached a fatal outcome: retry budget exhausted or unrecoverable key failures"})
	KeysUnlocatable  = prometheus.NewCounter(prometheus.CounterOpts{Name: "marlinsup_keys_unlocatable_total", Help: "Keys that mantaLocate could not resolve to any host"})
	OwnedJobsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "marlinsup_owned_jobs", Help: "Jobs currently owned by this supervisor"})
	TickDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "marlinsup_tick_duration_seconds", Help: "Wall time of one synchronous tick pass over the job table"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsDiscovered,
			JobsDropped,
			AssignConflicts,
			AssignSuccesses,
			SaveConflicts,
			PhasesCompleted,
			JobsFatal,
			KeysUnlocatable,
			OwnedJobsGauge,
			TickDuration,
		)
	})
	return promhttp.Handler()
}
