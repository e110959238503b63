package session

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// ErrFrozen is returned for writes to a session that already finished.
var ErrFrozen = errors.New("session is terminal")

// Observer receives every session mutation in the order it happened.
// Snapshots passed to Update carry no log entries.
type Observer interface {
	Update(t *model.Task)
	Log(e model.LogEntry)
	Close(taskID string)
}

// Session is the live record of one task. It is safe for concurrent use.
type Session struct {
	observer Observer
	now      func() time.Time
	done     chan struct{}

	// emitMu keeps observer calls in mutation order without holding mu
	// while observers do I/O.
	emitMu sync.Mutex
	mu     sync.RWMutex
	task   model.Task
	logs   []model.LogEntry
}

// New creates a session for t. A nil observer discards mutations.
func New(t *model.Task, observer Observer) *Session {
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Session{
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
		task:     *t,
		logs:     slices.Clone(t.Logs),
	}
	s.task.Logs = nil
	if model.IsTerminal(s.task.Status) {
		close(s.done)
	}
	return s
}

// ID returns the task id.
func (s *Session) ID() string { return s.task.ID }

// Done is closed when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current status.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task.Status
}

// Progress returns the current progress in [0,1].
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task.Progress
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.IsTerminal(s.task.Status)
}

// Logs returns the entries with Seq > since, in emission order. Sequence
// numbers start at 1, so since=0 returns everything.
func (s *Session) Logs(since int) []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, found := slices.BinarySearchFunc(s.logs, since, func(e model.LogEntry, seq int) int {
		return e.Seq - seq
	})
	if found {
		i++
	}
	return slices.Clone(s.logs[i:])
}

// Snapshot returns a copy of the task record including its logs.
func (s *Session) Snapshot() *model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.snapshotLocked()
	t.Logs = slices.Clone(s.logs)
	return t
}

func (s *Session) snapshotLocked() *model.Task {
	t := s.task
	t.InputDatasetIDs = slices.Clone(s.task.InputDatasetIDs)
	t.ResultIDs = slices.Clone(s.task.ResultIDs)
	if s.task.Error != nil {
		e := *s.task.Error
		t.Error = &e
	}
	return &t
}

// mutate applies fn under the write lock and then reports the new state to
// the observer. fn returning false means nothing changed.
func (s *Session) mutate(fn func() (bool, error)) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if model.IsTerminal(s.task.Status) {
		s.mu.Unlock()
		return ErrFrozen
	}
	changed, err := fn()
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	finished := model.IsTerminal(snap.Status)
	if finished {
		close(s.done)
	}
	s.mu.Unlock()

	s.observer.Update(snap)
	if finished {
		s.observer.Close(snap.ID)
	}
	return nil
}

// SetDevice records the device resolved for the task.
func (s *Session) SetDevice(device string) error {
	return s.mutate(func() (bool, error) {
		if s.task.Device == device {
			return false, nil
		}
		s.task.Device = device
		return true, nil
	})
}

// Transition moves the session to a non-terminal status. Entering preparing
// stamps the start time and resets progress to 0.
func (s *Session) Transition(to string) error {
	if model.IsTerminal(to) {
		return fmt.Errorf("use Succeed or Fail to enter %s", to)
	}
	return s.mutate(func() (bool, error) {
		from := s.task.Status
		if !model.ValidTransition(from, to) {
			return false, fmt.Errorf("transition %s to %s: invalid status transition", from, to)
		}
		s.task.Status = to
		if to == model.StatusPreparing {
			now := s.now()
			s.task.StartedAt = &now
			s.task.Progress = 0
		}
		return true, nil
	})
}

// SetProgress raises progress to p, clamped to [0,1]. NaN and values lower
// than the current progress are discarded. It reports whether progress
// changed.
func (s *Session) SetProgress(p float64) bool {
	if math.IsNaN(p) {
		return false
	}
	var changed bool
	s.mutate(func() (bool, error) {
		p = min(max(p, 0), 1)
		if p <= s.task.Progress {
			return false, nil
		}
		s.task.Progress = p
		changed = true
		return true, nil
	})
	return changed
}

// Log appends an entry. Entries after the session finished are dropped.
func (s *Session) Log(level, msg string) {
	var entry model.LogEntry
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if model.IsTerminal(s.task.Status) {
		s.mu.Unlock()
		return
	}
	entry = model.LogEntry{
		TaskID:    s.task.ID,
		Seq:       1,
		Level:     level,
		Message:   msg,
		CreatedAt: s.now(),
	}
	if n := len(s.logs); n > 0 {
		entry.Seq = s.logs[n-1].Seq + 1
	}
	s.logs = append(s.logs, entry)
	s.mu.Unlock()

	s.observer.Log(entry)
}

// Succeed finishes the session with the given result dataset ids.
func (s *Session) Succeed(resultIDs []string) error {
	return s.mutate(func() (bool, error) {
		if !model.ValidTransition(s.task.Status, model.StatusSucceeded) {
			return false, fmt.Errorf("transition %s to %s: invalid status transition", s.task.Status, model.StatusSucceeded)
		}
		s.finishLocked(model.StatusSucceeded)
		s.task.ResultIDs = slices.Clone(resultIDs)
		return true, nil
	})
}

// Fail finishes the session with taskErr. Any non-terminal session may fail.
func (s *Session) Fail(taskErr *model.TaskError) error {
	return s.mutate(func() (bool, error) {
		s.finishLocked(model.StatusFailed)
		e := *taskErr
		s.task.Error = &e
		return true, nil
	})
}

func (s *Session) finishLocked(status string) {
	now := s.now()
	s.task.Status = status
	s.task.Progress = 1
	s.task.CompletedAt = &now
}

type nopObserver struct{}

func (nopObserver) Update(*model.Task) {}
func (nopObserver) Log(model.LogEntry) {}
func (nopObserver) Close(string)       {}
