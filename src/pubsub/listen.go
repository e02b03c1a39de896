package pubsub

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

type Option func(*listenOptions)

type listenOptions struct {
	log       log.FieldLogger
	onMessage func(string)
}

func WithLogger(l log.FieldLogger) Option {
	return func(o *listenOptions) { o.log = l }
}

// OnMessage sees every message, the kill message included, before it is
// acted on.
func OnMessage(fn func(string)) Option {
	return func(o *listenOptions) { o.onMessage = fn }
}

// Listen subscribes to name and logs every message until KillMessage
// arrives, then unsubscribes and returns nil. It returns ctx.Err() if ctx
// ends first and ErrClosed if the channel goes away under it.
func Listen(ctx context.Context, ch Channel, name string, opts ...Option) error {
	o := listenOptions{log: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.log.WithField("channel", name)

	sub, err := ch.Subscribe(ctx, name)
	if err != nil {
		logger.WithError(err).Errorf("Redis client not connected to the server: %v", err)
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()
	logger.Info("Redis client connected to the server")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return ErrClosed
			}
			logger.Info(msg)
			if o.onMessage != nil {
				o.onMessage(msg)
			}
			if msg == KillMessage {
				return sub.Unsubscribe()
			}
		}
	}
}

// PublishAll publishes messages in order, waiting delay before each one.
func PublishAll(ctx context.Context, ch Channel, name string, messages []string, delay time.Duration, logger log.FieldLogger) error {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for _, msg := range messages {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		logger.WithField("channel", name).Infof("About to send %s", msg)
		if _, err := ch.Publish(ctx, name, msg); err != nil {
			return err
		}
	}
	return nil
}
