package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same identity exists.
	ErrConflict = errors.New("already exists")
)

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByKind     map[string]int `json:"count_by_error_kind"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	AlgorithmsTotal int            `json:"algorithms_total"`
}

// AlgorithmStore persists algorithm descriptors.
type AlgorithmStore interface {
	CreateAlgorithm(ctx context.Context, a *model.Algorithm) error
	GetAlgorithm(ctx context.Context, id string) (*model.Algorithm, error)
	GetAlgorithmByName(ctx context.Context, name, version string) (*model.Algorithm, error)
	ListAlgorithms(ctx context.Context) ([]*model.Algorithm, error)
	DeleteAlgorithm(ctx context.Context, id string) error
	ReplaceAlgorithm(ctx context.Context, oldID string, a *model.Algorithm) error
}

// TaskStore persists task records and their log entries.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	// TransitionTask moves a task from one status to another only if it is
	// currently in from. It reports whether the transition happened.
	TransitionTask(ctx context.Context, id, from, to string) (bool, error)
	DeleteTasksBefore(ctx context.Context, before time.Time) (int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogEntry(ctx context.Context, taskID string, e model.LogEntry) error
	GetLogEntries(ctx context.Context, taskID string, since int) ([]model.LogEntry, error)
}

// Store defines every persistence operation the server needs.
type Store interface {
	AlgorithmStore
	TaskStore
	Close() error
}
