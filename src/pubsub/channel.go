// Package pubsub is a best-effort broadcast channel for control messages.
// It is independent of the job queue: nothing is persisted and a message
// reaches only the subscribers that are live when it is published.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// KillMessage tells a Listen loop to unsubscribe and return.
const KillMessage = "KILL_SERVER"

const DefaultChannel = "ALXchannel"

var ErrClosed = errors.New("pubsub channel closed")

type Channel interface {
	// Publish delivers message to the current subscribers of name and
	// returns how many received it.
	Publish(ctx context.Context, name, message string) (int, error)
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, name string) (*Subscription, error)
}

// Subscription is one live subscriber. C is closed after Unsubscribe.
type Subscription struct {
	C <-chan string

	once  sync.Once
	close func() error
	err   error
}

func newSubscription(c <-chan string, closeFn func() error) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

// Unsubscribe releases the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.close() })
	return s.err
}
