package session

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/seantiz/crucible/internal/model"
)

// recorder is an Observer keeping every call in order.
type recorder struct {
	mu      sync.Mutex
	updates []*model.Task
	logs    []model.LogEntry
	closed  []string
}

func (r *recorder) Update(t *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, t)
}

func (r *recorder) Log(e model.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, e)
}

func (r *recorder) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

func newTestSession(t *testing.T) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	task := model.NewTask(model.TaskRequest{AlgorithmID: "a1", InputDatasetIDs: []string{"d1"}})
	return New(task, rec), rec
}

func TestSessionLifecycle(t *testing.T) {
	s, rec := newTestSession(t)

	if s.Status() != model.StatusPending || s.Progress() != 0 {
		t.Fatalf("initial = %s/%v", s.Status(), s.Progress())
	}
	for _, st := range []string{model.StatusPreparing, model.StatusComputing, model.StatusFinalizing} {
		if err := s.Transition(st); err != nil {
			t.Fatalf("Transition(%s): %v", st, err)
		}
	}
	if err := s.Succeed([]string{"r1", "r2"}); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	snap := s.Snapshot()
	if snap.Status != model.StatusSucceeded || snap.Progress != 1 {
		t.Errorf("final = %s/%v, want succeeded/1", snap.Status, snap.Progress)
	}
	if len(snap.ResultIDs) != 2 || snap.StartedAt == nil || snap.CompletedAt == nil {
		t.Errorf("snapshot = %+v", snap)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after success")
	}
	if len(rec.updates) != 4 || len(rec.closed) != 1 {
		t.Errorf("observer saw %d updates and %d closes, want 4 and 1", len(rec.updates), len(rec.closed))
	}
}

func TestSessionRejectsSkippedStatus(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Transition(model.StatusComputing); err == nil {
		t.Error("pending -> computing accepted")
	}
	if err := s.Succeed(nil); err == nil {
		t.Error("pending -> succeeded accepted")
	}
	if err := s.Transition(model.StatusSucceeded); err == nil {
		t.Error("Transition into a terminal status accepted")
	}
}

func TestSessionProgressMonotonic(t *testing.T) {
	s, _ := newTestSession(t)
	s.Transition(model.StatusPreparing)

	steps := []struct {
		set  float64
		want float64
	}{
		{0.3, 0.3},
		{math.NaN(), 0.3},
		{0.1, 0.3},
		{0.5, 0.5},
		{-1, 0.5},
		{7, 1},
	}
	for _, st := range steps {
		s.SetProgress(st.set)
		if got := s.Progress(); got != st.want {
			t.Errorf("after SetProgress(%v) progress = %v, want %v", st.set, got, st.want)
		}
	}
}

func TestSessionFailForcesFullProgress(t *testing.T) {
	s, _ := newTestSession(t)
	s.Transition(model.StatusPreparing)
	s.Transition(model.StatusComputing)
	s.SetProgress(0.4)

	err := s.Fail(&model.TaskError{Kind: model.KindStage, Stage: model.StageCompute, Message: "boom"})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	snap := s.Snapshot()
	if snap.Progress != 1 || snap.Status != model.StatusFailed {
		t.Errorf("after Fail = %s/%v", snap.Status, snap.Progress)
	}
	if snap.Error == nil || snap.Error.Stage != model.StageCompute {
		t.Errorf("Error = %+v", snap.Error)
	}
}

func TestSessionFailFromPending(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.Fail(&model.TaskError{Kind: model.KindNotFound, Message: "missing"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if snap := s.Snapshot(); snap.StartedAt != nil || snap.Progress != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSessionFrozenAfterTerminal(t *testing.T) {
	s, rec := newTestSession(t)
	s.Fail(&model.TaskError{Kind: model.KindValidation, Message: "bad"})
	updates := len(rec.updates)

	if err := s.Transition(model.StatusPreparing); !errors.Is(err, ErrFrozen) {
		t.Errorf("Transition after terminal = %v, want ErrFrozen", err)
	}
	if err := s.Fail(&model.TaskError{Kind: model.KindStage}); !errors.Is(err, ErrFrozen) {
		t.Errorf("second Fail = %v, want ErrFrozen", err)
	}
	if s.SetProgress(0.2) {
		t.Error("SetProgress changed a terminal session")
	}
	s.Log(model.LevelInfo, "late")

	if len(s.Logs(0)) != 0 {
		t.Error("log appended after terminal")
	}
	if s.Snapshot().Error.Kind != model.KindValidation {
		t.Error("error overwritten after terminal")
	}
	if len(rec.updates) != updates || len(rec.logs) != 0 {
		t.Error("observer notified after terminal")
	}
}

func TestSessionLogsOrdered(t *testing.T) {
	s, rec := newTestSession(t)
	s.Transition(model.StatusPreparing)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			for range perWriter {
				s.Log(model.LevelInfo, "line")
			}
		})
	}
	wg.Wait()

	logs := s.Logs(0)
	if len(logs) != writers*perWriter {
		t.Fatalf("got %d logs, want %d", len(logs), writers*perWriter)
	}
	for i, e := range logs {
		if e.Seq != i+1 {
			t.Fatalf("logs[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
	// The observer saw the same order.
	for i, e := range rec.logs {
		if e.Seq != i+1 {
			t.Fatalf("observer logs[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	tail := s.Logs(398)
	if len(tail) != 2 || tail[0].Seq != 399 {
		t.Errorf("Logs(398) = %d entries starting at %d", len(tail), tail[0].Seq)
	}
}

func TestSessionConcurrentReaders(t *testing.T) {
	s, _ := newTestSession(t)
	s.Transition(model.StatusPreparing)
	s.Transition(model.StatusComputing)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			last := 0.0
			for {
				select {
				case <-done:
					return
				default:
				}
				p := s.Snapshot().Progress
				if p < last {
					t.Errorf("reader saw progress drop from %v to %v", last, p)
					return
				}
				last = p
			}
		})
	}
	for i := 1; i <= 100; i++ {
		s.SetProgress(float64(i) / 100)
	}
	close(done)
	wg.Wait()
}

func TestSessionResumesLogSequence(t *testing.T) {
	task := model.NewTask(model.TaskRequest{AlgorithmID: "a1"})
	task.Logs = []model.LogEntry{{Seq: 1, Message: "earlier"}, {Seq: 2, Message: "earlier"}}
	s := New(task, nil)
	s.Log(model.LevelInfo, "next")

	logs := s.Logs(0)
	if len(logs) != 3 || logs[2].Seq != 3 {
		t.Errorf("logs = %+v", logs)
	}
}
