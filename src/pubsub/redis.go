package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisChannel publishes with PUBLISH and subscribes on a dedicated
// connection per subscription.
type RedisChannel struct {
	rdb redis.UniversalClient
}

func NewRedisChannel(rdb redis.UniversalClient) *RedisChannel {
	return &RedisChannel{rdb: rdb}
}

func (c *RedisChannel) Publish(ctx context.Context, name, message string) (int, error) {
	n, err := c.rdb.Publish(ctx, name, message).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", name, err)
	}
	return int(n), nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, name string) (*Subscription, error) {
	ps := c.rdb.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	out := make(chan string, DefaultBufferSize)
	stop := make(chan struct{})
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-stop:
					return
				}
			}
		}
	}()

	return newSubscription(out, func() error {
		close(stop)
		if err := ps.Unsubscribe(context.Background(), name); err != nil {
			_ = ps.Close()
			return err
		}
		return ps.Close()
	}), nil
}

var (
	_ Channel = (*RedisChannel)(nil)
	_ Channel = (*MemoryChannel)(nil)
)
