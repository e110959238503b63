package api

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/storage"
)

// putDatasetRequest is the JSON body for POST /v1/datasets.
type putDatasetRequest struct {
	Schema string         `json:"schema"`
	Record storage.Record `json:"record"`
}

type putDatasetResponse struct {
	ID     string `json:"id"`
	Schema string `json:"schema"`
}

func (s *Server) handlePutDataset(w http.ResponseWriter, r *http.Request) {
	var req putDatasetRequest
	if err := decodeBody(w, r, maxDatasetSize, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body (limit "+humanize.IBytes(maxDatasetSize)+")")
		return
	}
	if req.Schema == "" {
		s.writeError(w, http.StatusBadRequest, "schema is required")
		return
	}
	schema, err := storage.LookupSchema(req.Schema)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := schema.Validate(req.Record); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Gateway.PutDataset(r.Context(), req.Record, req.Schema)
	if err != nil {
		s.writeServiceError(w, err, "failed to store dataset")
		return
	}
	s.writeJSON(w, http.StatusCreated, putDatasetResponse{ID: id, Schema: req.Schema})
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Gateway.GetDataset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to get dataset")
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Gateway.DeleteDataset(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err, "failed to delete dataset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
