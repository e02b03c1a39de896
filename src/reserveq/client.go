// Package reserveq wires the counter store, job broker, queue, reservation
// engine and notification channel onto one backend.
package reserveq

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/not-empty/reserveq-go/src/counter"
	"github.com/not-empty/reserveq-go/src/pubsub"
	"github.com/not-empty/reserveq-go/src/queue"
	"github.com/not-empty/reserveq-go/src/redisconn"
	"github.com/not-empty/reserveq-go/src/reservation"
)

type ClientOpts struct {
	// Redis, when set, is used as is and left open by Close.
	Redis redis.UniversalClient

	RedisURL string
	Host     string
	Port     int
	DB       int
	Username string
	Password string
	SSL      bool

	// Memory keeps everything in process and ignores the Redis fields.
	Memory bool

	Prefix       string
	PollInterval time.Duration
	JobTimeout   time.Duration
	Logger       log.FieldLogger
	Metrics      prometheus.Registerer
}

type Client struct {
	rdb     redis.UniversalClient
	ownsRdb bool
	store   counter.Store
	broker  queue.Broker
	queue   *queue.Queue
	engine  *reservation.Engine
	channel pubsub.Channel
	log     log.FieldLogger
}

func NewClient(ctx context.Context, opts ClientOpts) (*Client, error) {
	c := &Client{log: opts.Logger}
	if c.log == nil {
		c.log = log.StandardLogger()
	}

	if opts.Memory {
		c.store = counter.NewMemoryStore()
		c.broker = queue.NewMemoryBroker()
		c.channel = pubsub.NewMemoryChannel()
	} else {
		rdb := opts.Redis
		if rdb == nil {
			var err error
			rdb, err = redisconn.Dial(ctx, redisconn.Opts{
				URL:      opts.RedisURL,
				Host:     opts.Host,
				Port:     opts.Port,
				DB:       opts.DB,
				Username: opts.Username,
				Password: opts.Password,
				SSL:      opts.SSL,
			})
			if err != nil {
				return nil, err
			}
			c.ownsRdb = true
		}
		c.rdb = rdb

		prefix := opts.Prefix
		if prefix == "" {
			prefix = queue.DefaultRedisPrefix
		}
		broker, err := queue.NewRedisBroker(rdb, queue.WithRedisPrefix(prefix))
		if err != nil {
			c.closeRedis()
			return nil, err
		}
		c.store = counter.NewRedisStore(rdb)
		c.broker = broker
		c.channel = pubsub.NewRedisChannel(rdb)
	}

	q, err := queue.New(ctx, c.broker,
		queue.WithLogger(c.log),
		queue.WithPollInterval(opts.PollInterval),
		queue.WithJobTimeout(opts.JobTimeout),
		queue.WithMetrics(opts.Metrics),
	)
	if err != nil {
		_ = c.broker.Close()
		c.closeRedis()
		return nil, err
	}
	c.queue = q
	c.engine = reservation.NewEngine(c.store, q, reservation.WithLogger(c.log))
	return c, nil
}

func (c *Client) Queue() *queue.Queue { return c.queue }

func (c *Client) Engine() *reservation.Engine { return c.engine }

func (c *Client) Store() counter.Store { return c.store }

func (c *Client) Channel() pubsub.Channel { return c.channel }

// Redis is the underlying connection, nil for an in-memory client.
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// Close shuts the queue down, waiting for running handlers until ctx ends,
// then releases the broker and any connection the client opened.
func (c *Client) Close(ctx context.Context) error {
	err := c.queue.Shutdown(ctx)
	err = errors.Join(err, c.broker.Close())
	if mc, ok := c.channel.(*pubsub.MemoryChannel); ok {
		err = errors.Join(err, mc.Close())
	}
	c.closeRedis()
	return err
}

func (c *Client) closeRedis() {
	if c.ownsRdb && c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.log.WithError(err).Warn("close redis")
		}
	}
}
