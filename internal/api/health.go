package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports whether the job database answers, which schemes
// jobs can address, and how many jobs are moving data right now.
type healthResponse struct {
	Status      string   `json:"status"`
	Backends    []string `json:"backends"`
	RunningJobs int      `json:"running_jobs"`
	Error       string   `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Backends: []string{}}
	for _, b := range s.registry.List() {
		resp.Backends = append(resp.Backends, b.Scheme)
	}
	if s.runner != nil {
		resp.RunningJobs = s.runner.Running()
	}

	code := http.StatusOK
	if _, _, err := s.store.ListJobs(r.Context(), 1, 0); err != nil {
		s.logger.Error("healthz: job database", "error", err)
		resp.Status, resp.Error = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
