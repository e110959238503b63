package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/session"
)

type job struct {
	ctx  context.Context
	sess *session.Session
	req  model.TaskRequest
}

// LocalPool runs tasks on a fixed number of in-process workers fed from a
// bounded queue. All workers share the handler and therefore its cache.
type LocalPool struct {
	handler *Handler
	manager *session.Manager
	logger  *slog.Logger
	queue   chan job
	wg      sync.WaitGroup

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
}

var _ Executor = (*LocalPool)(nil)

// NewLocalPool starts workers goroutines consuming a queue of queueSize.
func NewLocalPool(handler *Handler, manager *session.Manager, workers, queueSize int, logger *slog.Logger) *LocalPool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 0)

	base, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		handler:    handler,
		manager:    manager,
		logger:     logger,
		queue:      make(chan job, queueSize),
		base:       base,
		cancelBase: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
	for range workers {
		p.wg.Go(p.work)
	}
	return p
}

// Submit creates the task and queues it. A full queue fails the task with
// kind unavailable and returns ErrQueueFull.
func (p *LocalPool) Submit(ctx context.Context, req model.TaskRequest) (*Handle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	sess, err := p.manager.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	id := sess.ID()

	taskCtx, cancel := context.WithCancel(p.base)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		p.reject(sess, "executor is shutting down")
		return nil, ErrShutdown
	}
	select {
	case p.queue <- job{ctx: taskCtx, sess: sess, req: req}:
		p.cancels[id] = cancel
		queueDepth.Inc()
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		cancel()
		p.reject(sess, "task queue is full")
		return nil, fmt.Errorf("submit %s: %w", id, ErrQueueFull)
	}

	p.logger.Info("task queued", "task_id", id, "algorithm_id", req.AlgorithmID)
	return NewHandle(id, p.manager), nil
}

func (p *LocalPool) reject(sess *session.Session, msg string) {
	if err := sess.Fail(&model.TaskError{Kind: model.KindUnavailable, Stage: model.StageResolve, Message: msg}); err != nil {
		p.logger.Warn("failed to reject task", "task_id", sess.ID(), "error", err)
		return
	}
	tasksTotal.WithLabelValues(model.StatusFailed, model.KindUnavailable).Inc()
}

func (p *LocalPool) work() {
	for j := range p.queue {
		queueDepth.Dec()
		p.handler.Run(j.ctx, j.sess, j.req)
		p.mu.Lock()
		if cancel, ok := p.cancels[j.sess.ID()]; ok {
			cancel()
			delete(p.cancels, j.sess.ID())
		}
		p.mu.Unlock()
	}
}

// Cancel cancels a queued or running task. A queued task fails with kind
// canceled when a worker reaches it.
func (p *LocalPool) Cancel(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancels[taskID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Shutdown closes the queue, cancels every queued and running task and
// waits for the workers to drain.
func (p *LocalPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.cancelBase()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}
