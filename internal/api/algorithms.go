package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/algorithm"
	"github.com/seantiz/crucible/internal/model"
)

// deployRequest is the JSON body for POST /v1/algorithms/deploy. Dir is a
// package directory on the server's filesystem.
type deployRequest struct {
	Dir     string `json:"dir"`
	Replace bool   `json:"replace"`
}

type listAlgorithmsResponse struct {
	Algorithms []*model.Algorithm `json:"algorithms"`
	Total      int                `json:"total"`
}

func (s *Server) handleListAlgorithms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := algorithm.Filter{Name: q.Get("name")}
	for key, dst := range map[string]**uint64{"major": &f.Major, "minor": &f.Minor} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
			return
		}
		*dst = &v
	}

	list, err := s.deps.Registry.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err, "failed to list algorithms")
		return
	}
	if list == nil {
		list = []*model.Algorithm{}
	}
	s.writeJSON(w, http.StatusOK, listAlgorithmsResponse{Algorithms: list, Total: len(list)})
}

func (s *Server) handleGetAlgorithm(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to get algorithm")
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeployAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Dir == "" {
		s.writeError(w, http.StatusBadRequest, "dir is required")
		return
	}

	a, err := s.deps.Deployer.Deploy(r.Context(), req.Dir, algorithm.DeployOptions{Replace: req.Replace})
	if err != nil {
		s.writeServiceError(w, err, "failed to deploy algorithm")
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleDecommissionAlgorithm(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Registry.Decommission(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		s.writeServiceError(w, err, "failed to decommission algorithm")
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}
