// Package counter holds the per-resource integer counters (available_seats,
// item.<id>) that the reservation engine reads and writes.
//
// Get and Set are each atomic for one key, but nothing here makes a
// Get followed by a Set atomic. Callers that check then write must serialize
// themselves; the reservation engine does so through its queue slot, and
// writes with CompareAndSet so a caller that lost its slot cannot clobber a
// newer value.
package counter

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable wraps any I/O failure talking to the backing store.
	ErrStoreUnavailable = errors.New("counter store unavailable")
	// ErrCorruptValue is returned when a key holds something that is not an integer.
	ErrCorruptValue = errors.New("counter value is not an integer")
)

type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value int, ok bool, err error)
	Set(ctx context.Context, key string, value int) error
	// CompareAndSet writes value only if key still holds old, an absent key
	// counting as def. It reports whether the write happened.
	CompareAndSet(ctx context.Context, key string, def, old, value int) (bool, error)
	// IncrBy is for administrative seeding only.
	IncrBy(ctx context.Context, key string, delta int) (int, error)
}

// GetOr returns the stored value or def when the key is absent.
func GetOr(ctx context.Context, s Store, key string, def int) (int, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}
