package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

type listExecutionsResponse struct {
	Executions []*model.Task `json:"executions"`
	Total      int           `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}

// handleSubmitExecution accepts a model.TaskRequest. With ?wait=true the
// response is held until the task is terminal.
func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req model.TaskRequest
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AlgorithmID == "" {
		submissionsTotal.WithLabelValues("invalid").Inc()
		s.writeError(w, http.StatusBadRequest, "algorithm_id is required")
		return
	}
	if req.TimeoutS != nil && *req.TimeoutS < 0 {
		submissionsTotal.WithLabelValues("invalid").Inc()
		s.writeError(w, http.StatusBadRequest, "timeout_s must not be negative")
		return
	}

	h, err := s.deps.Executor.Submit(r.Context(), req)
	if err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		s.writeServiceError(w, err, "failed to submit task")
		return
	}
	submissionsTotal.WithLabelValues("accepted").Inc()

	if r.URL.Query().Get("wait") == "true" {
		rc := http.NewResponseController(w)
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			s.logger.Error("clear write deadline", "error", err)
		}
		task, err := h.Wait(r.Context())
		if err != nil {
			s.writeServiceError(w, err, "failed to wait for task")
			return
		}
		s.writeJSON(w, http.StatusOK, task)
		return
	}

	task, err := h.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	tasks, total, err := s.deps.Sessions.List(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: tasks,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}
	if model.IsTerminal(task.Status) {
		s.writeError(w, http.StatusConflict, "task already "+task.Status)
		return
	}
	if !s.deps.Executor.Cancel(id) {
		s.writeError(w, http.StatusConflict, "task is not running on this server")
		return
	}

	task, err = s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, task)
}
