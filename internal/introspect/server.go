// Package introspect exposes a read-only view of the supervisor's in-memory
// job table over HTTP, for operators and for the admin CLI this supervisor
// does not itself ship.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marlinsup/internal/telemetry"
)

// Snapshotter is the read-only view the introspection server needs. It is
// satisfied by *supervisor.Supervisor; kept as an interface here so this
// package never imports supervisor and the dependency only runs one way.
type Snapshotter interface {
	Self() string
	Snapshot() []JobView
}

// JobView mirrors supervisor.JobSnapshot's shape without importing it
// directly; cmd/supervisor adapts between the two at wiring time.
type JobView struct {
	JobID       string `json:"jobId"`
	State       string `json:"state"`
	PhaseIndex  int    `json:"phaseIndex"`
	FatalReason string `json:"fatalReason,omitempty"`
}

// Server serves the flat, read-only snapshot described in the design note
// that it takes a supervisor handle explicitly rather than reaching for a
// global singleton.
type Server struct {
	sup Snapshotter
}

// New constructs the introspection server against a single supervisor
// handle.
func New(sup Snapshotter) *Server {
	return &Server{sup: sup}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/worker", s.handleWorker)
	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{id}", s.handleJob)

	return r
}

type workerResponse struct {
	UUID      string `json:"uuid"`
	OwnedJobs int    `json:"ownedJobs"`
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	snap := s.sup.Snapshot()
	writeJSON(w, http.StatusOK, workerResponse{UUID: s.sup.Self(), OwnedJobs: len(snap)})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.sup.Snapshot()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, j := range s.sup.Snapshot() {
		if j.JobID == id {
			writeJSON(w, http.StatusOK, j)
			return
		}
	}
	http.Error(w, "job not tracked by this supervisor", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
