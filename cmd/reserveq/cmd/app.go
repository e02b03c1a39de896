package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/not-empty/reserveq-go/src/config"
	"github.com/not-empty/reserveq-go/src/redisconn"
	"github.com/not-empty/reserveq-go/src/reserveq"
)

// app is what one command runs on: a client over the configured backend and
// the registry /metrics serves.
type app struct {
	cfg      *config.Config
	rdb      redis.UniversalClient
	client   *reserveq.Client
	registry *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := reserveq.ClientOpts{
		Memory:       cfg.Queue.Backend == "memory",
		Prefix:       cfg.Queue.Prefix,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
		Logger:       log.StandardLogger(),
		Metrics:      a.registry,
	}
	if opts.Memory {
		log.Warn("using in-memory backends, state is lost on exit")
	} else {
		rdb, err := dialRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		opts.Redis = rdb
	}

	client, err := reserveq.NewClient(ctx, opts)
	if err != nil {
		a.closeRedis()
		return nil, err
	}
	a.client = client
	return a, nil
}

func dialRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	var rdb redis.UniversalClient
	err := retry.Do(
		func() error {
			c, err := redisconn.Dial(ctx, cfg.RedisOpts())
			if err != nil {
				return err
			}
			rdb = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(max(cfg.Redis.StartupAttempts, 1)),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithField("attempt", n+1).Warn("Redis client not connected to the server")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("Redis client connected to the server")
	return rdb, nil
}

func (a *app) shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
}

func (a *app) close() {
	ctx, cancel := a.shutdownContext()
	defer cancel()
	if err := a.client.Close(ctx); err != nil {
		log.WithError(err).Warn("close client")
	}
	a.closeRedis()
}

func (a *app) closeRedis() {
	if a.rdb == nil {
		return
	}
	if err := a.rdb.Close(); err != nil {
		log.WithError(err).Warn("close redis")
	}
}

// serve runs handler until ctx ends, then drains the HTTP server and the
// queue within the shutdown timeout.
func (a *app) serve(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := a.shutdownContext()
		defer cancel()
		log.Info("shutting down")
		return errors.Join(srv.Shutdown(sctx), a.client.Queue().Shutdown(sctx))
	})
	return g.Wait()
}
