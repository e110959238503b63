package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

// storeTimeout bounds each persistence write made on behalf of a session.
const storeTimeout = 10 * time.Second

// StoreObserver persists session mutations to the task store and publishes
// log entries to a LogBroker for streaming.
type StoreObserver struct {
	store  store.TaskStore
	broker *LogBroker
	logger *slog.Logger
}

var _ Observer = (*StoreObserver)(nil)

// NewStoreObserver creates an observer writing to st and broker. Either may
// be nil.
func NewStoreObserver(st store.TaskStore, broker *LogBroker, logger *slog.Logger) *StoreObserver {
	return &StoreObserver{store: st, broker: broker, logger: logger}
}

func (o *StoreObserver) Update(t *model.Task) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.UpdateTask(ctx, t); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			o.logger.Warn("task already finished elsewhere", "task_id", t.ID, "status", t.Status)
			return
		}
		o.logger.Error("failed to persist task", "task_id", t.ID, "status", t.Status, "error", err)
	}
}

func (o *StoreObserver) Log(e model.LogEntry) {
	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := o.store.InsertLogEntry(ctx, e.TaskID, e); err != nil {
			o.logger.Error("failed to persist log entry", "task_id", e.TaskID, "seq", e.Seq, "error", err)
		}
	}
	if o.broker != nil {
		o.broker.Publish(e)
	}
}

func (o *StoreObserver) Close(taskID string) {
	if o.broker != nil {
		o.broker.Close(taskID)
	}
}
