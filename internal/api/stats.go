package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/runner"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int                `json:"total"`
	ByStatus        map[string]int     `json:"by_status"`
	ByKind          map[string]int     `json:"by_kind"`
	AvgDurationMS   float64            `json:"avg_duration_ms"`
	AlgorithmsTotal int                `json:"algorithms_total"`
	Cache           *runner.CacheStats `json:"cache,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tasks.GetTaskStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.CountByStatus,
		ByKind:          stats.CountByKind,
		AvgDurationMS:   stats.AvgDurationMS,
		AlgorithmsTotal: stats.AlgorithmsTotal,
	}
	if s.deps.Cache != nil {
		cs := s.deps.Cache.Stats()
		resp.Cache = &cs
	}
	s.writeJSON(w, http.StatusOK, resp)
}
