package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// pollInterval is how often Wait re-reads tasks running in another process.
const pollInterval = 100 * time.Millisecond

// Manager owns the live sessions of this process. Tasks that run elsewhere,
// or finished before a restart, are read back from the store.
type Manager struct {
	store     store.TaskStore
	broker    *LogBroker
	observer  Observer
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	live map[string]*Session
}

// NewManager creates a manager persisting to st. Terminal sessions and
// their records are removed retention after they finish.
func NewManager(st store.TaskStore, broker *LogBroker, retention time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		broker:    broker,
		observer:  NewStoreObserver(st, broker, logger),
		retention: retention,
		logger:    logger,
		now:       time.Now,
		live:      make(map[string]*Session),
	}
}

// Broker returns the log broker used for streaming.
func (m *Manager) Broker() *LogBroker { return m.broker }

// Create persists a pending task for req and returns its live session.
func (m *Manager) Create(ctx context.Context, req model.TaskRequest) (*Session, error) {
	t := model.NewTask(req)
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return m.Attach(t), nil
}

// Record persists a pending task for req without a live session, for
// tasks that will run in another process.
func (m *Manager) Record(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	t := model.NewTask(req)
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// Attach registers a live session for an existing task record, as a worker
// does when it picks up a task created by another process. Attaching a
// task that already has a live session returns that session.
func (m *Manager) Attach(t *model.Task) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[t.ID]; ok {
		return s
	}
	s := New(t, m.observer)
	m.live[t.ID] = s
	return s
}

// Session returns the live session for id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.live[id]
	return s, ok
}

// Get returns the current task record with its logs.
func (m *Manager) Get(ctx context.Context, id string) (*model.Task, error) {
	if s, ok := m.Session(id); ok {
		return s.Snapshot(), nil
	}
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	logs, err := m.store.GetLogEntries(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	t.Logs = logs
	return t, nil
}

// Logs returns log entries of id with Seq > since.
func (m *Manager) Logs(ctx context.Context, id string, since int) ([]model.LogEntry, error) {
	if s, ok := m.Session(id); ok {
		return s.Logs(since), nil
	}
	if _, err := m.store.GetTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return m.store.GetLogEntries(ctx, id, since)
}

// List returns a page of task records, newest first, without logs. Live
// sessions override their persisted copy.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tasks, total, err := m.store.ListTasks(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for i, t := range tasks {
		if s, ok := m.Session(t.ID); ok {
			snap := s.Snapshot()
			snap.Logs = nil
			tasks[i] = snap
		}
	}
	return tasks, total, nil
}

// Wait blocks until id reaches a terminal status or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*model.Task, error) {
	if s, ok := m.Session(id); ok {
		select {
		case <-s.Done():
			return s.Snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		t, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if model.IsTerminal(t.Status) {
			return t, nil
		}
		// The task may have started in this process since the last look.
		if s, ok := m.Session(id); ok {
			select {
			case <-s.Done():
				return s.Snapshot(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Collect drops terminal sessions and task records that finished more than
// the retention period ago. It returns the number of records deleted.
func (m *Manager) Collect(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	for id, s := range m.live {
		snap := s.Snapshot()
		if snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(m.live, id)
			m.broker.Forget(id)
		}
	}
	m.mu.Unlock()

	n, err := m.store.DeleteTasksBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired tasks collected", "count", n)
	}
	return n, nil
}

// RunCollector calls Collect every interval until ctx is done.
func (m *Manager) RunCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Collect(ctx); err != nil {
				m.logger.Error("task collection failed", "error", err)
			}
		}
	}
}
