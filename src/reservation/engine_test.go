package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/not-empty/reserveq-go/src/counter"
	"github.com/not-empty/reserveq-go/src/pushnotify"
	"github.com/not-empty/reserveq-go/src/queue"
)

const waitFor = 3 * time.Second

type fixture struct {
	engine *Engine
	store  counter.Store
	queue  *queue.Queue
}

func newFixture(t *testing.T, store counter.Store, broker queue.Broker, opts ...queue.Option) *fixture {
	logger, _ := test.NewNullLogger()
	opts = append([]queue.Option{queue.WithLogger(logger), queue.WithPollInterval(2 * time.Millisecond)}, opts...)
	q, err := queue.New(context.Background(), broker, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })

	return &fixture{
		engine: NewEngine(store, q, WithLogger(logger)),
		store:  store,
		queue:  q,
	}
}

// withBackends runs fn against the in-memory stack and a Redis backed one.
func withBackends(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newFixture(t, counter.NewMemoryStore(), queue.NewMemoryBroker()))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		broker, err := queue.NewRedisBroker(rdb)
		require.NoError(t, err)
		fn(t, newFixture(t, counter.NewRedisStore(rdb), broker))
	})
}

// eachBackend is withBackends for tests that wrap the counter store or tune
// the queue.
func eachBackend(t *testing.T, fn func(t *testing.T, store counter.Store, broker queue.Broker)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, counter.NewMemoryStore(), queue.NewMemoryBroker())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		broker, err := queue.NewRedisBroker(rdb)
		require.NoError(t, err)
		fn(t, counter.NewRedisStore(rdb), broker)
	})
}

// slowReadStore runs after, once, right after the first Get that follows
// arm, before handing the value back.
type slowReadStore struct {
	counter.Store
	armed atomic.Bool
	once  sync.Once
	after func()
	done  chan struct{}
}

func newSlowReadStore(s counter.Store, after func()) *slowReadStore {
	return &slowReadStore{Store: s, after: after, done: make(chan struct{})}
}

func (s *slowReadStore) arm() { s.armed.Store(true) }

func (s *slowReadStore) Get(ctx context.Context, key string) (int, bool, error) {
	v, ok, err := s.Store.Get(ctx, key)
	if s.armed.Load() {
		s.once.Do(func() {
			s.after()
			close(s.done)
		})
	}
	return v, ok, err
}

func wait(t *testing.T, j *queue.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := j.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func stockResource(capacity int) Resource {
	return Resource{Name: "item.3", Key: "item.3", Capacity: capacity, Payload: map[string]int{"itemId": 3}}
}

func TestSeatsSellOutAfterCapacity(t *testing.T) {
	withBackends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.engine.Register(ctx, SeatResource(0), true))
		require.NoError(t, f.engine.Process())

		v, ok, err := f.store.Get(ctx, SeatKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 50, v)

		for i := 0; i < DefaultSeatCapacity; i++ {
			job, err := f.engine.Reserve(ctx, SeatResourceName)
			require.NoError(t, err, "reservation %d", i+1)
			assert.Equal(t, "reserve_seat", job.Type)
			require.NoError(t, wait(t, job))
		}

		avail, err := f.engine.Available(ctx, SeatResourceName)
		require.NoError(t, err)
		assert.Equal(t, 0, avail)

		enabled, err := f.engine.Enabled(SeatResourceName)
		require.NoError(t, err)
		assert.False(t, enabled)

		_, err = f.engine.Reserve(ctx, SeatResourceName)
		assert.ErrorIs(t, err, ErrReservationsBlocked)
	})
}

func TestConcurrentRequestsNeverOversell(t *testing.T) {
	withBackends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.engine.Register(ctx, stockResource(2), true))

		const requests = 10
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			jobs []*queue.Job
		)
		for i := 0; i < requests; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, err := f.engine.Reserve(ctx, "item.3")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				jobs = append(jobs, job)
				mu.Unlock()
			}()
		}
		wg.Wait()
		require.Len(t, jobs, requests)
		require.NoError(t, f.engine.Process())

		completed, exhausted := 0, 0
		for _, j := range jobs {
			err := wait(t, j)
			switch {
			case err == nil:
				completed++
			case errors.Is(err, ErrExhausted):
				exhausted++
			default:
				t.Fatalf("unexpected job error: %v", err)
			}
		}
		assert.Equal(t, 2, completed)
		assert.Equal(t, requests-2, exhausted)

		v, _, err := f.store.Get(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})
}

func TestTwoSimultaneousRequestsForLastUnits(t *testing.T) {
	withBackends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.engine.Register(ctx, stockResource(2), true))
		require.NoError(t, f.engine.Process())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, err := f.engine.Reserve(ctx, "item.3")
				if err != nil {
					errs[i] = err
					return
				}
				ctx, cancel := context.WithTimeout(ctx, waitFor)
				defer cancel()
				errs[i] = job.Wait(ctx)
			}(i)
		}
		wg.Wait()

		assert.NoError(t, errs[0])
		assert.NoError(t, errs[1])
		avail, err := f.engine.Available(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 0, avail)
	})
}

func TestExhaustionIsSticky(t *testing.T) {
	f := newFixture(t, counter.NewMemoryStore(), queue.NewMemoryBroker())
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, stockResource(1), true))
	require.NoError(t, f.engine.Process())

	job, err := f.engine.Reserve(ctx, "item.3")
	require.NoError(t, err)
	require.NoError(t, wait(t, job))

	for i := 0; i < 5; i++ {
		_, err := f.engine.Reserve(ctx, "item.3")
		assert.ErrorIs(t, err, ErrReservationsBlocked)
	}

	rec, err := f.queue.Get(ctx, job.ID()+1)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.Nil(t, rec)

	require.NoError(t, f.engine.Reset(ctx, "item.3"))
	enabled, err := f.engine.Enabled("item.3")
	require.NoError(t, err)
	assert.True(t, enabled)
	avail, err := f.engine.Available(ctx, "item.3")
	require.NoError(t, err)
	assert.Equal(t, 1, avail)
}

func TestInFlightJobFailsWhenExhausted(t *testing.T) {
	f := newFixture(t, counter.NewMemoryStore(), queue.NewMemoryBroker())
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, stockResource(1), true))

	first, err := f.engine.Reserve(ctx, "item.3")
	require.NoError(t, err)
	second, err := f.engine.Reserve(ctx, "item.3")
	require.NoError(t, err)

	require.NoError(t, f.engine.Process())
	require.NoError(t, wait(t, first))

	err = wait(t, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, "reserve item.3: resource exhausted", err.Error())
}

func TestBlacklistLeavesCounterAlone(t *testing.T) {
	f := newFixture(t, counter.NewMemoryStore(), queue.NewMemoryBroker())
	ctx := context.Background()

	res := stockResource(5)
	res.Validate = pushnotify.BlacklistValidator(pushnotify.DefaultBlacklist)
	require.NoError(t, f.engine.Register(ctx, res, true))
	require.NoError(t, f.engine.Process())

	job, err := f.engine.ReserveWith(ctx, "item.3", pushnotify.Notification{PhoneNumber: "4153518780"})
	require.NoError(t, err)
	err = wait(t, job)
	assert.ErrorIs(t, err, pushnotify.ErrBlacklisted)

	avail, err := f.engine.Available(ctx, "item.3")
	require.NoError(t, err)
	assert.Equal(t, 5, avail)

	job, err = f.engine.ReserveWith(ctx, "item.3", pushnotify.Notification{PhoneNumber: "4153518799"})
	require.NoError(t, err)
	require.NoError(t, wait(t, job))
	avail, err = f.engine.Available(ctx, "item.3")
	require.NoError(t, err)
	assert.Equal(t, 4, avail)
}

func TestAvailableIsIdempotent(t *testing.T) {
	withBackends(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		require.NoError(t, f.engine.Register(ctx, stockResource(4), false))

		a, err := f.engine.Available(ctx, "item.3")
		require.NoError(t, err)
		b, err := f.engine.Available(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 4, a)
		assert.Equal(t, a, b)
	})
}

func TestRegisterDerivesEnabledFromCounter(t *testing.T) {
	store := counter.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "item.3", 2))

	f := newFixture(t, store, queue.NewMemoryBroker())
	require.NoError(t, f.engine.Register(ctx, stockResource(2), false))

	enabled, err := f.engine.Enabled("item.3")
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = f.engine.Reserve(ctx, "item.3")
	assert.ErrorIs(t, err, ErrReservationsBlocked)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, counter.NewMemoryStore(), queue.NewMemoryBroker())
	ctx := context.Background()

	assert.Error(t, f.engine.Register(ctx, Resource{Key: "k", Capacity: 1}, true))
	assert.Error(t, f.engine.Register(ctx, Resource{Name: "n", Capacity: 1}, true))
	assert.Error(t, f.engine.Register(ctx, Resource{Name: "n", Key: "k"}, true))

	require.NoError(t, f.engine.Register(ctx, stockResource(1), true))
	assert.ErrorIs(t, f.engine.Register(ctx, stockResource(1), true), ErrDuplicateResource)

	_, err := f.engine.Reserve(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownResource)
	_, err = f.engine.Available(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownResource)

	require.NoError(t, f.engine.Process())
	require.NoError(t, f.engine.Process())
}

func TestTimedOutReservationNeverWrites(t *testing.T) {
	eachBackend(t, func(t *testing.T, inner counter.Store, broker queue.Broker) {
		store := newSlowReadStore(inner, func() { time.Sleep(400 * time.Millisecond) })
		f := newFixture(t, store, broker, queue.WithJobTimeout(100*time.Millisecond))
		ctx := context.Background()
		require.NoError(t, f.engine.Register(ctx, stockResource(3), true))
		require.NoError(t, f.engine.Process())
		store.arm()

		var errs []error
		for i := 0; i < 10; i++ {
			job, err := f.engine.Reserve(ctx, "item.3")
			if errors.Is(err, ErrReservationsBlocked) {
				break
			}
			require.NoError(t, err)
			errs = append(errs, wait(t, job))
		}
		require.NotEmpty(t, errs)
		assert.ErrorIs(t, errs[0], queue.ErrJobTimeout)

		completed := 0
		for _, err := range errs[1:] {
			if assert.NoError(t, err) {
				completed++
			}
		}
		assert.Equal(t, 3, completed)

		select {
		case <-store.done:
		case <-time.After(waitFor):
			t.Fatal("stalled read never returned")
		}
		assert.Never(t, func() bool {
			v, _, err := inner.Get(ctx, "item.3")
			return err != nil || v != 3
		}, 150*time.Millisecond, 10*time.Millisecond, "stale reservation rewrote the counter")

		left, err := f.engine.Available(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 0, left)
	})
}

func TestReservationLosesToConcurrentWrite(t *testing.T) {
	eachBackend(t, func(t *testing.T, inner counter.Store, broker queue.Broker) {
		ctx := context.Background()
		store := newSlowReadStore(inner, func() {
			assert.NoError(t, inner.Set(context.Background(), "item.3", 2))
		})
		f := newFixture(t, store, broker)
		require.NoError(t, f.engine.Register(ctx, stockResource(3), true))
		require.NoError(t, f.engine.Process())
		store.arm()

		job, err := f.engine.Reserve(ctx, "item.3")
		require.NoError(t, err)
		err = wait(t, job)
		assert.ErrorIs(t, err, ErrCounterMoved)

		v, _, err := inner.Get(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		job, err = f.engine.Reserve(ctx, "item.3")
		require.NoError(t, err)
		require.NoError(t, wait(t, job))
		v, _, err = inner.Get(ctx, "item.3")
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})
}

func TestStoreFailureSurfaces(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, counter.NewRedisStore(rdb), queue.NewMemoryBroker())
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, stockResource(3), true))

	mr.Close()
	_, err := f.engine.Available(ctx, "item.3")
	assert.ErrorIs(t, err, counter.ErrStoreUnavailable)

	require.NoError(t, f.engine.Process())
	job, err := f.engine.Reserve(ctx, "item.3")
	require.NoError(t, err)
	err = wait(t, job)
	assert.ErrorIs(t, err, counter.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrExhausted)
}
