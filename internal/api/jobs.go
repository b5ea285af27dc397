package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/jobs"
	"github.com/seantiz/blockio/internal/model"
	"github.com/seantiz/blockio/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs. ChunkSize accepts
// human-readable sizes such as "4MiB".
type createJobRequest struct {
	Kind      string `json:"kind"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Reference string `json:"reference"`
	Force     bool   `json:"force"`
	ChunkSize string `json:"chunk_size"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// jobStatusResponse is the live view of a job's engines. Running is false
// once the job has finished, in which case the statuses are zero.
type jobStatusResponse struct {
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	Running      bool                `json:"running"`
	QueueStatus  engine.QueueStatus  `json:"queue_status"`
	ThreadStatus engine.ThreadStatus `json:"thread_status"`
	Summary      string              `json:"summary,omitempty"`
}

type digestsResponse struct {
	JobID   string              `json:"job_id"`
	Digests []model.ChunkDigest `json:"digests"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var chunkSize int
	if req.ChunkSize != "" {
		n, err := humanize.ParseBytes(req.ChunkSize)
		if err != nil || n == 0 || n > 1<<30 {
			s.writeError(w, http.StatusBadRequest, "invalid chunk_size")
			return
		}
		chunkSize = int(n)
	}

	j := &model.Job{
		ID:        model.NewID(),
		Kind:      req.Kind,
		Source:    req.Source,
		Target:    req.Target,
		Reference: req.Reference,
		Force:     req.Force,
		ChunkSize: chunkSize,
		CreatedAt: time.Now().UTC(),
	}

	if j.Reference != "" {
		if _, err := s.store.GetJob(r.Context(), j.Reference); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusBadRequest, "reference job not found")
			return
		}
	}

	if err := s.runner.Submit(r.Context(), j); err != nil {
		if errors.Is(err, jobs.ErrInvalidJob) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

// lookupJob writes a 404 or 500 response and returns nil when the job
// cannot be loaded.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) *model.Job {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil
	}
	return j
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if j := s.lookupJob(w, r); j != nil {
		s.writeJSON(w, http.StatusOK, j)
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	list, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if list == nil {
		list = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   list,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}

	resp := jobStatusResponse{ID: j.ID, Status: j.Status}
	qs, ts, ok := s.runner.Status(j.ID)
	if ok {
		resp.Running = true
		resp.QueueStatus = qs
		resp.ThreadStatus = ts
		resp.Summary = ts.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDigests(w http.ResponseWriter, r *http.Request) {
	j := s.lookupJob(w, r)
	if j == nil {
		return
	}

	digests, err := s.store.GetDigests(r.Context(), j.ID)
	if err != nil {
		s.logger.Error("get digests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get digests")
		return
	}
	if digests == nil {
		digests = []model.ChunkDigest{}
	}
	s.writeJSON(w, http.StatusOK, digestsResponse{JobID: j.ID, Digests: digests})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
