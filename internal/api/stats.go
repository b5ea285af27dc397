package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByKind        map[string]int `json:"by_kind"`
	BytesTotal    int64          `json:"bytes_total"`
	BytesHuman    string         `json:"bytes_human"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByKind:        stats.CountByKind,
		BytesTotal:    stats.BytesTotal,
		BytesHuman:    humanize.IBytes(uint64(stats.BytesTotal)),
		AvgDurationMS: stats.AvgDurationMS,
	})
}
