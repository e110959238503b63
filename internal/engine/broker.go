package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrBrokerClosed is returned by a broker after Close.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrClaimLost is returned when acking or extending a claim whose
	// visibility window already expired.
	ErrClaimLost = errors.New("claim no longer held")
)

// TaskMessage asks a worker to run a pending task record.
type TaskMessage struct {
	TaskID     string            `json:"task_id"`
	Trace      map[string]string `json:"trace,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Attempt    int               `json:"attempt"`
}

// Delivery is a claimed message. It stays invisible to other consumers
// until acked or until its visibility window lapses.
type Delivery struct {
	Message TaskMessage
	Receipt string
}

// Broker is a work queue with at-least-once delivery.
type Broker interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	// Claim blocks until a message is available or ctx is done.
	Claim(ctx context.Context, consumer string, visibility time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Extend(ctx context.Context, d *Delivery, visibility time.Duration) error
	// RequeueExpired returns claims whose window ended before now to the
	// queue with Attempt incremented.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

func encodeMessage(msg TaskMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
}

func decodeMessage(raw string) (TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return TaskMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.TaskID == "" {
		return TaskMessage{}, errors.New("decode message: missing task_id")
	}
	return msg, nil
}

type memClaim struct {
	seq      uint64
	msg      TaskMessage
	deadline time.Time
}

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu       sync.Mutex
	items    []TaskMessage
	inflight map[string]*memClaim
	counter  uint64
	signal   chan struct{}
	closed   bool
	now      func() time.Time
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		inflight: make(map[string]*memClaim),
		signal:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for visibility deadlines.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// notifyLocked wakes every blocked Claim.
func (b *MemoryBroker) notifyLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *MemoryBroker) Enqueue(_ context.Context, msg TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.items = append(b.items, msg)
	b.notifyLocked()
	brokerMessagesTotal.WithLabelValues("enqueue").Inc()
	return nil
}

func (b *MemoryBroker) Claim(ctx context.Context, consumer string, visibility time.Duration) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		if len(b.items) > 0 {
			msg := b.items[0]
			b.items = b.items[1:]
			b.counter++
			receipt := fmt.Sprintf("mem:%s:%d", consumer, b.counter)
			b.inflight[receipt] = &memClaim{seq: b.counter, msg: msg, deadline: b.now().Add(visibility)}
			b.mu.Unlock()
			brokerMessagesTotal.WithLabelValues("claim").Inc()
			return &Delivery{Message: msg, Receipt: receipt}, nil
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[d.Receipt]; !ok {
		return fmt.Errorf("ack %s: %w", d.Message.TaskID, ErrClaimLost)
	}
	delete(b.inflight, d.Receipt)
	brokerMessagesTotal.WithLabelValues("ack").Inc()
	return nil
}

func (b *MemoryBroker) Extend(_ context.Context, d *Delivery, visibility time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("extend %s: %w", d.Message.TaskID, ErrClaimLost)
	}
	c.deadline = b.now().Add(visibility)
	return nil
}

func (b *MemoryBroker) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []*memClaim
	for receipt, c := range b.inflight {
		if c.deadline.After(now) {
			continue
		}
		expired = append(expired, c)
		delete(b.inflight, receipt)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	slices.SortFunc(expired, func(x, y *memClaim) int { return int(x.seq) - int(y.seq) })
	for _, c := range expired {
		msg := c.msg
		msg.Attempt++
		b.items = append(b.items, msg)
	}
	b.notifyLocked()
	brokerMessagesTotal.WithLabelValues("requeue").Add(float64(len(expired)))
	return len(expired), nil
}

// Len returns the number of queued, unclaimed messages.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notifyLocked()
	}
	return nil
}
