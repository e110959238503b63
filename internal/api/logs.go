package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

const (
	sseContentType = "text/event-stream"
	// remotePollInterval paces log streams of tasks running in another
	// process, which never publish to this server's broker.
	remotePollInterval = 250 * time.Millisecond
)

// handleStreamLogs streams task log entries as server-sent events. Each
// event carries the entry's seq as its id, so a reconnecting client resumes
// with Last-Event-ID. A final "done" event carries the terminal status.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	task, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		s.writeServiceError(w, err, "failed to get task")
		return
	}

	since := parseIntQuery(r, "since", 0)
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil {
			since = n
		}
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	logStreamsOpen.Inc()
	defer logStreamsOpen.Dec()

	st := &sseStream{w: w, rc: rc, last: since}
	_, live := s.deps.Sessions.Session(id)
	switch {
	case model.IsTerminal(task.Status):
		err = st.entries(task.Logs)
	case live:
		err = s.streamLive(ctx, st, id)
	default:
		err = s.streamRemote(ctx, st, id)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("log stream ended", "task_id", id, "error", err)
		}
		return
	}

	task, err = s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return
	}
	st.event("done", task.Status)
}

// streamLive sends history and then follows the broker until the task's
// topic closes. Subscribing first means nothing published in between is
// lost; the overlap is removed by seq.
func (s *Server) streamLive(ctx context.Context, st *sseStream, id string) error {
	ch, unsub := s.deps.Sessions.Broker().Subscribe(id)
	defer unsub()

	history, err := s.deps.Sessions.Logs(ctx, id, st.last)
	if err != nil {
		return err
	}
	if err := st.entries(history); err != nil {
		return err
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				// Entries dropped for a slow subscriber are still in the store.
				rest, err := s.deps.Sessions.Logs(ctx, id, st.last)
				if err != nil {
					return err
				}
				return st.entries(rest)
			}
			if err := st.entry(e); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamRemote polls the store for a task running in another process.
func (s *Server) streamRemote(ctx context.Context, st *sseStream, id string) error {
	ticker := time.NewTicker(remotePollInterval)
	defer ticker.Stop()
	for {
		task, err := s.deps.Sessions.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := st.entries(task.Logs); err != nil {
			return err
		}
		if model.IsTerminal(task.Status) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sseStream writes events and remembers the last seq sent.
type sseStream struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	last int
}

func (st *sseStream) entry(e model.LogEntry) error {
	if e.Seq <= st.last {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(st.w, "id: %d\nevent: log\ndata: %s\n\n", e.Seq, data); err != nil {
		return err
	}
	st.last = e.Seq
	return st.rc.Flush()
}

func (st *sseStream) entries(es []model.LogEntry) error {
	for _, e := range es {
		if err := st.entry(e); err != nil {
			return err
		}
	}
	return nil
}

func (st *sseStream) event(name, data string) error {
	if _, err := fmt.Fprintf(st.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return st.rc.Flush()
}

type logHistoryResponse struct {
	TaskID  string           `json:"task_id"`
	Entries []model.LogEntry `json:"entries"`
}

// handleGetLogHistory returns stored entries with seq greater than ?since.
func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since := max(parseIntQuery(r, "since", 0), 0)

	entries, err := s.deps.Sessions.Logs(r.Context(), id, since)
	if err != nil {
		s.writeServiceError(w, err, "failed to get logs")
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logHistoryResponse{TaskID: id, Entries: entries})
}
