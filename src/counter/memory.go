package counter

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process memory. Useful for tests and single
// process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, key string, def, old, value int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.values[key]
	if !ok {
		cur = def
	}
	if cur != old {
		return false, nil
	}
	s.values[key] = value
	return true, nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] += delta
	return s.values[key], nil
}
