package engine

import (
	"context"
	"errors"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/session"
)

var (
	// ErrQueueFull is returned when the local queue cannot take another task.
	ErrQueueFull = errors.New("task queue is full")
	// ErrShutdown is returned by Submit after Shutdown was called.
	ErrShutdown = errors.New("executor is shut down")
)

// Executor dispatches task requests to handlers.
type Executor interface {
	// Submit records a pending task for req and schedules it.
	Submit(ctx context.Context, req model.TaskRequest) (*Handle, error)
	// Cancel stops the task if this executor is running or queueing it.
	Cancel(taskID string) bool
	// Shutdown stops accepting work and waits for in-flight tasks.
	Shutdown(ctx context.Context) error
}

// Handle refers to a submitted task.
type Handle struct {
	id      string
	manager *session.Manager
}

// NewHandle returns a handle for an existing task id.
func NewHandle(id string, manager *session.Manager) *Handle {
	return &Handle{id: id, manager: manager}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Wait blocks until the task is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*model.Task, error) {
	return h.manager.Wait(ctx, h.id)
}

// Status returns the current task record.
func (h *Handle) Status(ctx context.Context) (*model.Task, error) {
	return h.manager.Get(ctx, h.id)
}
