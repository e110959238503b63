package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/algorithms/denoise"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/session"
	"github.com/seantiz/crucible/internal/store"
)

func newTestManager(t *testing.T) (*session.Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return session.NewManager(st, session.NewLogBroker(), time.Hour, testLogger()), st
}

func newTestPool(t *testing.T, f *fixture, workers, queue int) (*LocalPool, *session.Manager) {
	t.Helper()
	m, _ := newTestManager(t)
	p := NewLocalPool(f.handler, m, workers, queue, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p, m
}

func waitTask(t *testing.T, h *Handle) *model.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait(%s): %v", h.ID(), err)
	}
	return task
}

// blockingProgram parks in compute until its context ends.
func blockingProgram(started chan<- string) func() runner.Program {
	return func() runner.Program {
		return &scriptedProgram{compute: func(ctx context.Context, env runner.Env) (any, error) {
			started <- env.TaskID()
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	}
}

func TestLocalPoolColdCacheLoadsOnce(t *testing.T) {
	f := newFixture(t, denoise.New)
	f.loader.delay = 100 * time.Millisecond
	p, _ := newTestPool(t, f, 2, 4)
	inputs := f.putImages(t, 2)

	req := model.TaskRequest{AlgorithmID: "alg-denoise", InputDatasetIDs: inputs}
	h1, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h2, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for _, h := range []*Handle{h1, h2} {
		task := waitTask(t, h)
		if task.Status != model.StatusSucceeded {
			t.Errorf("task %s: status = %q, error = %+v", h.ID(), task.Status, task.Error)
		}
		if len(task.ResultIDs) != 2 {
			t.Errorf("task %s: results = %v", h.ID(), task.ResultIDs)
		}
	}
	if got := f.loader.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestLocalPoolCancel(t *testing.T) {
	started := make(chan string, 1)
	f := newFixture(t, blockingProgram(started))
	p, _ := newTestPool(t, f, 1, 1)

	h, err := p.Submit(context.Background(), model.TaskRequest{AlgorithmID: "alg-denoise"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if !p.Cancel(h.ID()) {
		t.Fatal("Cancel returned false for a running task")
	}

	task := waitTask(t, h)
	if task.Status != model.StatusFailed || task.Error == nil || task.Error.Kind != model.KindCanceled {
		t.Errorf("task = %+v, want canceled failure", task)
	}
	if task.Progress != 1 {
		t.Errorf("progress = %v, want 1", task.Progress)
	}
	if p.Cancel("unknown") {
		t.Error("Cancel of unknown task returned true")
	}
}

func TestLocalPoolQueueFull(t *testing.T) {
	started := make(chan string, 1)
	f := newFixture(t, blockingProgram(started))
	p, m := newTestPool(t, f, 1, 1)
	req := model.TaskRequest{AlgorithmID: "alg-denoise"}

	running, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	queued, err := p.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = p.Submit(context.Background(), req)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Submit: %v, want ErrQueueFull", err)
	}
	tasks, total, err := m.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	var rejected int
	for _, task := range tasks {
		if task.Error != nil && task.Error.Kind == model.KindUnavailable {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("rejected tasks = %d, want 1", rejected)
	}

	p.Cancel(running.ID())
	<-started
	p.Cancel(queued.ID())
	waitTask(t, queued)
}

func TestLocalPoolShutdownCancelsWork(t *testing.T) {
	started := make(chan string, 1)
	f := newFixture(t, blockingProgram(started))
	m, _ := newTestManager(t)
	p := NewLocalPool(f.handler, m, 1, 4, testLogger())
	req := model.TaskRequest{AlgorithmID: "alg-denoise"}

	running, _ := p.Submit(context.Background(), req)
	<-started
	queued, _ := p.Submit(context.Background(), req)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, h := range []*Handle{running, queued} {
		task, err := h.Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if task.Status != model.StatusFailed || task.Error.Kind != model.KindCanceled {
			t.Errorf("task %s = %s %+v, want canceled", h.ID(), task.Status, task.Error)
		}
	}

	if _, err := p.Submit(context.Background(), req); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after Shutdown: %v, want ErrShutdown", err)
	}
}
