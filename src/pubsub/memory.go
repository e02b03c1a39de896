package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const DefaultBufferSize = 64

// MemoryChannel fans messages out inside one process. A subscriber whose
// buffer is full misses the message; Dropped counts those.
type MemoryChannel struct {
	mu     sync.Mutex
	subs   map[string]map[uuid.UUID]chan string
	closed bool

	bufferSize int
	dropped    atomic.Int64
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs:       make(map[string]map[uuid.UUID]chan string),
		bufferSize: DefaultBufferSize,
	}
}

func (c *MemoryChannel) Publish(_ context.Context, name, message string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, ch := range c.subs[name] {
		select {
		case ch <- message:
			n++
		default:
			c.dropped.Add(1)
		}
	}
	return n, nil
}

func (c *MemoryChannel) Subscribe(_ context.Context, name string) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id := uuid.New()
	ch := make(chan string, c.bufferSize)
	if c.subs[name] == nil {
		c.subs[name] = make(map[uuid.UUID]chan string)
	}
	c.subs[name][id] = ch

	return newSubscription(ch, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.subs[name]; ok {
			if _, live := set[id]; live {
				delete(set, id)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, name)
			}
		}
		return nil
	}), nil
}

// Subscribers is the number of live subscriptions on name.
func (c *MemoryChannel) Subscribers(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[name])
}

func (c *MemoryChannel) Dropped() int64 { return c.dropped.Load() }

// Close ends every subscription and rejects further calls.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for name, set := range c.subs {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
		delete(c.subs, name)
	}
	return nil
}
