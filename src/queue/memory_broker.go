package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const eventBuffer = 256

type memorySub struct {
	ch   chan Event
	done chan struct{}
}

// MemoryBroker keeps jobs in process memory. Events are delivered to every
// subscriber in publish order; a slow subscriber slows publishers down rather
// than losing events.
type MemoryBroker struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Record
	queued  map[string][]int64
	subs    map[int]*memorySub
	nextSub int
	closed  bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs:   make(map[int64]*Record),
		queued: make(map[string][]int64),
		subs:   make(map[int]*memorySub),
	}
}

func (b *MemoryBroker) NextID(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}
	b.nextID++
	return b.nextID, nil
}

func (b *MemoryBroker) Push(_ context.Context, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	cp := *rec
	cp.State = StateQueued
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	b.jobs[cp.ID] = &cp
	b.queued[cp.Type] = append(b.queued[cp.Type], cp.ID)

	b.publishLocked(Event{Kind: EventEnqueue, JobID: cp.ID, Type: cp.Type})
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context, jobType, lease string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	ids := b.queued[jobType]
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]
	b.queued[jobType] = ids[1:]

	rec, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	rec.State = StateActive
	rec.Lease = lease
	rec.UpdatedAt = time.Now()

	b.publishLocked(Event{Kind: EventStart, JobID: id, Type: rec.Type})
	cp := *rec
	return &cp, nil
}

func (b *MemoryBroker) activeLocked(id int64, lease string) (*Record, error) {
	if b.closed {
		return nil, ErrBrokerClosed
	}
	rec, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if rec.State != StateActive {
		return nil, ErrNotActive
	}
	if rec.Lease != lease {
		return nil, ErrLeaseMismatch
	}
	return rec, nil
}

func (b *MemoryBroker) Progress(_ context.Context, id int64, lease string, percent int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.activeLocked(id, lease)
	if err != nil {
		return err
	}
	rec.Progress = percent
	rec.UpdatedAt = time.Now()

	b.publishLocked(Event{Kind: EventProgress, JobID: id, Type: rec.Type, Progress: percent})
	return nil
}

func (b *MemoryBroker) Ack(_ context.Context, id int64, lease string, out Outcome) error {
	if !out.State.Terminal() {
		return fmt.Errorf("ack with non terminal state %q", out.State)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.activeLocked(id, lease)
	if err != nil {
		return err
	}
	rec.State = out.State
	rec.Error = out.Error
	rec.Reason = out.Reason
	rec.Code = out.Code
	rec.Lease = ""
	rec.UpdatedAt = time.Now()

	b.publishLocked(out.event(id, rec.Type))
	return nil
}

func (b *MemoryBroker) Get(_ context.Context, id int64) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (b *MemoryBroker) Events(ctx context.Context) (<-chan Event, error) {
	sub := &memorySub{
		ch:   make(chan Event, eventBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	key := b.nextSub
	b.nextSub++
	b.subs[key] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(sub.done)
		b.mu.Lock()
		if _, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// Close rejects further calls and ends every event stream.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, sub := range b.subs {
		delete(b.subs, key)
		close(sub.ch)
	}
	return nil
}

func (b *MemoryBroker) publishLocked(ev Event) {
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}
