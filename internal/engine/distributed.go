package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/session"
	"github.com/seantiz/crucible/internal/store"
	"github.com/seantiz/crucible/internal/telemetry"
)

// DistributedPool records tasks and hands them to workers through a Broker.
// It runs nothing itself.
type DistributedPool struct {
	manager *session.Manager
	broker  Broker
	logger  *slog.Logger
}

var _ Executor = (*DistributedPool)(nil)

// NewDistributedPool creates a pool publishing to broker.
func NewDistributedPool(manager *session.Manager, broker Broker, logger *slog.Logger) *DistributedPool {
	return &DistributedPool{manager: manager, broker: broker, logger: logger}
}

// Submit persists a pending task and enqueues it. If the broker refuses the
// message the task fails with kind unavailable.
func (p *DistributedPool) Submit(ctx context.Context, req model.TaskRequest) (*Handle, error) {
	t, err := p.manager.Record(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := TaskMessage{
		TaskID:     t.ID,
		Trace:      telemetry.Inject(ctx),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := p.broker.Enqueue(ctx, msg); err != nil {
		sess := p.manager.Attach(t)
		if ferr := sess.Fail(&model.TaskError{Kind: model.KindUnavailable, Stage: model.StageResolve, Message: err.Error()}); ferr == nil {
			tasksTotal.WithLabelValues(model.StatusFailed, model.KindUnavailable).Inc()
		}
		return nil, fmt.Errorf("submit %s: %w", t.ID, err)
	}

	p.logger.Info("task enqueued", "task_id", t.ID, "algorithm_id", req.AlgorithmID)
	return NewHandle(t.ID, p.manager), nil
}

// Cancel is not supported across processes.
func (p *DistributedPool) Cancel(string) bool { return false }

// Shutdown has nothing to drain; workers own the running tasks.
func (p *DistributedPool) Shutdown(context.Context) error { return nil }

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// ID names the consumer in broker receipts.
	ID string
	// Concurrency is the number of tasks run at once.
	Concurrency int
	// Visibility is how long a claim stays hidden without a heartbeat.
	Visibility time.Duration
}

// Worker consumes task messages and runs them with its own Handler.
type Worker struct {
	cfg     WorkerConfig
	broker  Broker
	tasks   store.TaskStore
	manager *session.Manager
	handler *Handler
	logger  *slog.Logger
}

// NewWorker creates a worker. tasks must be the store shared with the
// submitting process.
func NewWorker(cfg WorkerConfig, broker Broker, tasks store.TaskStore, manager *session.Manager, handler *Handler, logger *slog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + model.NewID()
	}
	return &Worker{
		cfg:     cfg,
		broker:  broker,
		tasks:   tasks,
		manager: manager,
		handler: handler,
		logger:  logger.With("worker_id", cfg.ID),
	}
}

// Run claims and processes messages until ctx is done or the broker is
// closed. Running tasks are cancelled when ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range w.cfg.Concurrency {
		wg.Go(func() { w.consume(ctx) })
	}
	wg.Wait()
	return nil
}

func (w *Worker) consume(ctx context.Context) {
	for {
		d, err := w.broker.Claim(ctx, w.cfg.ID, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			w.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, d)
	}
}

// process handles one delivery. Only pending tasks are run; anything else
// is acked without running it again.
func (w *Worker) process(ctx context.Context, d *Delivery) {
	id := d.Message.TaskID
	logger := w.logger.With("task_id", id, "attempt", d.Message.Attempt)

	t, err := w.tasks.GetTask(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("dropping message for unknown task")
		w.ack(ctx, d)
		return
	case err != nil:
		// Left unacked; the claim expires and the message is redelivered.
		logger.Error("failed to load task", "error", err)
		return
	}

	if model.IsTerminal(t.Status) {
		logger.Info("task already finished", "status", t.Status)
		w.ack(ctx, d)
		return
	}
	if _, live := w.manager.Session(id); live {
		logger.Info("task already running in this process")
		w.ack(ctx, d)
		return
	}
	if t.Status != model.StatusPending {
		w.abandon(t, logger)
		w.ack(ctx, d)
		return
	}

	if created, err := model.IDTime(id); err == nil {
		queueWait.Observe(time.Since(created).Seconds())
	}

	sess := w.manager.Attach(t)
	runCtx := telemetry.Extract(ctx, d.Message.Trace)
	stop := w.heartbeat(runCtx, d, logger)
	w.handler.Run(runCtx, sess, t.Request())
	stop()
	w.ack(context.WithoutCancel(ctx), d)
}

// abandon fails a task that a previous worker started but never finished.
func (w *Worker) abandon(t *model.Task, logger *slog.Logger) {
	sess := w.manager.Attach(t)
	err := sess.Fail(&model.TaskError{
		Kind:    model.KindWorkerLost,
		Stage:   stageOf(t.Status),
		Message: fmt.Sprintf("worker lost while task was %s", t.Status),
	})
	if err != nil {
		logger.Warn("failed to mark task lost", "error", err)
		return
	}
	tasksTotal.WithLabelValues(model.StatusFailed, model.KindWorkerLost).Inc()
	logger.Warn("task lost by previous worker", "status", t.Status)
}

// heartbeat extends the claim until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, d *Delivery, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.broker.Extend(ctx, d, w.cfg.Visibility); err != nil && ctx.Err() == nil {
					logger.Warn("failed to extend claim", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) ack(ctx context.Context, d *Delivery) {
	if err := w.broker.Ack(ctx, d); err != nil {
		w.logger.Warn("failed to ack message", "task_id", d.Message.TaskID, "error", err)
	}
}

func stageOf(status string) string {
	switch status {
	case model.StatusPreparing:
		return model.StagePrepare
	case model.StatusComputing:
		return model.StageCompute
	case model.StatusFinalizing:
		return model.StageFinalize
	default:
		return model.StageResolve
	}
}

// RunRequeuer returns expired claims to the queue every interval until ctx
// is done.
func RunRequeuer(ctx context.Context, broker Broker, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := broker.RequeueExpired(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("requeue expired claims", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Warn("requeued expired claims", "count", n)
			}
		}
	}
}
