package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errBoom = RegisterError("queue_test.boom", errors.New("boom"))

func newMemoryBroker(t *testing.T) Broker {
	return NewMemoryBroker()
}

func newRedisBroker(t *testing.T) Broker {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b, err := NewRedisBroker(rdb, WithRedisPrefix("test"))
	require.NoError(t, err)
	return b
}

// withBrokers runs fn once per broker implementation.
func withBrokers(t *testing.T, fn func(t *testing.T, b Broker)) {
	for name, mk := range map[string]func(*testing.T) Broker{
		"memory": newMemoryBroker,
		"redis":  newRedisBroker,
	} {
		t.Run(name, func(t *testing.T) { fn(t, mk(t)) })
	}
}

func newTestQueue(t *testing.T, b Broker, opts ...Option) *Queue {
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithLogger(logger), WithPollInterval(tick)}, opts...)
	q, err := New(context.Background(), b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func enqueue(t *testing.T, q *Queue, jobType string, payload any) *Job {
	j, err := q.CreateJob(jobType, payload)
	require.NoError(t, err)
	_, err = j.Enqueue(context.Background())
	require.NoError(t, err)
	return j
}

func waitJob(t *testing.T, j *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := j.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %d never finished", j.ID())
	return err
}

func TestQueueCompletesJob(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)

		var got map[string]int
		require.NoError(t, q.Process("greet", 1, func(_ context.Context, job *Job, done DoneFunc) {
			done(job.Decode(&got))
		}))

		completed := make(chan int64, 1)
		j, err := q.CreateJob("greet", map[string]int{"itemId": 3})
		require.NoError(t, err)
		j.OnComplete(func(j *Job) { completed <- j.ID() })

		id, err := j.Enqueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)

		require.NoError(t, waitJob(t, j))
		assert.Equal(t, StateComplete, j.State())
		assert.Equal(t, map[string]int{"itemId": 3}, got)

		select {
		case cid := <-completed:
			assert.Equal(t, id, cid)
		case <-time.After(waitFor):
			t.Fatal("complete listener did not fire")
		}

		rec, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, rec.State)
	})
}

func TestQueueFailedJobKeepsCause(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)
		require.NoError(t, q.Process("fail", 1, func(_ context.Context, _ *Job, done DoneFunc) {
			done(fmt.Errorf("charge card: %w", errBoom))
		}))

		failed := make(chan error, 1)
		j := enqueue(t, q, "fail", nil)
		j.OnFailed(func(_ *Job, err error) { failed <- err })

		err := waitJob(t, j)
		require.Error(t, err)
		assert.Equal(t, "charge card: boom", err.Error())
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateFailed, j.State())

		select {
		case ferr := <-failed:
			assert.ErrorIs(t, ferr, errBoom)
		case <-time.After(waitFor):
			t.Fatal("failed listener did not fire")
		}
	})
}

func TestQueueRunsOneAtATimeInOrder(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)

		var (
			mu      sync.Mutex
			order   []int
			running int32
			overlap atomic.Bool
		)
		jobs := make([]*Job, 0, 10)
		for i := 0; i < 10; i++ {
			jobs = append(jobs, enqueue(t, q, "serial", map[string]int{"n": i}))
		}

		require.NoError(t, q.Process("serial", 1, func(_ context.Context, job *Job, done DoneFunc) {
			if atomic.AddInt32(&running, 1) > 1 {
				overlap.Store(true)
			}
			var p map[string]int
			_ = job.Decode(&p)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, p["n"])
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			done(nil)
		}))

		for _, j := range jobs {
			require.NoError(t, waitJob(t, j))
		}
		assert.False(t, overlap.Load())
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	})
}

func TestQueueRespectsConcurrencyCap(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)

		var active, peak int32
		require.NoError(t, q.Process("capped", 3, func(_ context.Context, _ *Job, done DoneFunc) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			done(nil)
		}))

		var jobs []*Job
		for i := 0; i < 12; i++ {
			jobs = append(jobs, enqueue(t, q, "capped", nil))
		}
		for _, j := range jobs {
			require.NoError(t, waitJob(t, j))
		}
		assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
		assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	})
}

func TestQueueProgressReachesProducer(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)
		require.NoError(t, q.Process("slow", 1, func(_ context.Context, job *Job, done DoneFunc) {
			if err := job.ReportProgress(0, 100); err != nil {
				done(err)
				return
			}
			if err := job.ReportProgress(1, 2); err != nil {
				done(err)
				return
			}
			done(nil)
		}))

		var mu sync.Mutex
		var seen []int
		j, err := q.CreateJob("slow", nil)
		require.NoError(t, err)
		j.OnProgress(func(_ *Job, pct int) {
			mu.Lock()
			seen = append(seen, pct)
			mu.Unlock()
		})
		_, err = j.Enqueue(context.Background())
		require.NoError(t, err)

		require.NoError(t, waitJob(t, j))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 2
		}, waitFor, tick)
		assert.ElementsMatch(t, []int{0, 50}, seen)
		assert.Equal(t, 50, j.Progress())
	})
}

func TestQueuePanicFailsJob(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)
		require.NoError(t, q.Process("explode", 1, func(context.Context, *Job, DoneFunc) {
			panic("kaboom")
		}))

		err := waitJob(t, enqueue(t, q, "explode", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")

		// the slot survives the panic
		require.Error(t, waitJob(t, enqueue(t, q, "explode", nil)))
	})
}

func TestQueueTimeoutReleasesSlot(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b, WithJobTimeout(50*time.Millisecond))

		var calls int32
		require.NoError(t, q.Process("stuck", 1, func(ctx context.Context, _ *Job, done DoneFunc) {
			if atomic.AddInt32(&calls, 1) == 1 {
				<-ctx.Done()
				return
			}
			done(nil)
		}))

		first := enqueue(t, q, "stuck", nil)
		second := enqueue(t, q, "stuck", nil)

		assert.ErrorIs(t, waitJob(t, first), ErrJobTimeout)
		assert.NoError(t, waitJob(t, second))
	})
}

func TestQueueLateDoneIsIgnored(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, b)
		require.NoError(t, q.Process("twice", 1, func(_ context.Context, _ *Job, done DoneFunc) {
			done(nil)
			done(errBoom)
		}))

		j := enqueue(t, q, "twice", nil)
		require.NoError(t, waitJob(t, j))
		assert.Equal(t, StateComplete, j.State())
	})
}

func TestQueueEnqueueWhenBrokerDown(t *testing.T) {
	b := NewMemoryBroker()
	q := newTestQueue(t, b)
	require.NoError(t, b.Close())

	j, err := q.CreateJob("any", nil)
	require.NoError(t, err)
	_, err = j.Enqueue(context.Background())
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, StateCreated, j.State())
}

func TestQueueEnqueueTwice(t *testing.T) {
	q := newTestQueue(t, NewMemoryBroker())
	j := enqueue(t, q, "once", nil)

	_, err := j.Enqueue(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyEnqueued)
}

func TestQueueDuplicateHandler(t *testing.T) {
	q := newTestQueue(t, NewMemoryBroker())
	h := func(_ context.Context, _ *Job, done DoneFunc) { done(nil) }

	require.NoError(t, q.Process("dup", 1, h))
	assert.ErrorIs(t, q.Process("dup", 2, h), ErrHandlerExists)
}

func TestQueueListenerAfterFinish(t *testing.T) {
	q := newTestQueue(t, NewMemoryBroker())
	require.NoError(t, q.Process("late", 1, func(_ context.Context, _ *Job, done DoneFunc) { done(nil) }))

	j := enqueue(t, q, "late", nil)
	require.NoError(t, waitJob(t, j))

	fired := make(chan struct{})
	j.OnComplete(func(*Job) { close(fired) })
	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("listener attached after completion did not fire")
	}
}

func TestQueueShutdown(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	q, err := New(context.Background(), NewMemoryBroker(), WithLogger(logger), WithPollInterval(tick))
	require.NoError(t, err)

	require.NoError(t, q.Process("work", 2, func(ctx context.Context, _ *Job, done DoneFunc) {
		<-ctx.Done()
		done(ctx.Err())
	}))
	j := enqueue(t, q, "work", nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx))

	assert.ErrorIs(t, q.Process("other", 1, nil), ErrQueueClosed)
	_, err = q.Enqueue(context.Background(), &Job{Type: "work", state: StateCreated, done: make(chan struct{})})
	assert.ErrorIs(t, err, ErrQueueClosed)

	rec, err := q.Get(context.Background(), j.ID())
	require.NoError(t, err)
	assert.True(t, rec.State == StateFailed || rec.State == StateQueued, "unexpected state %s", rec.State)

	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "processing jobs", hook.AllEntries()[0].Message)
}

func TestReportProgressOutsideHandler(t *testing.T) {
	q := newTestQueue(t, NewMemoryBroker())
	j, err := q.CreateJob("idle", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, j.ReportProgress(1, 2), ErrNotActive)
}

// droppingBroker loses every terminal event, the way a Redis subscriber
// does while it reconnects.
type droppingBroker struct {
	Broker
}

func (b droppingBroker) Events(ctx context.Context) (<-chan Event, error) {
	in, err := b.Broker.Events(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, eventBuffer)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Kind.Terminal() {
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

func TestQueueResyncDeliversMissedOutcome(t *testing.T) {
	withBrokers(t, func(t *testing.T, b Broker) {
		q := newTestQueue(t, droppingBroker{b}, WithResync(20*time.Millisecond))
		require.NoError(t, q.Process("lossy", 1, func(_ context.Context, job *Job, done DoneFunc) {
			var p map[string]bool
			_ = job.Decode(&p)
			if p["fail"] {
				done(fmt.Errorf("settle: %w", errBoom))
				return
			}
			done(nil)
		}))

		ok := enqueue(t, q, "lossy", map[string]bool{"fail": false})
		bad := enqueue(t, q, "lossy", map[string]bool{"fail": true})

		assert.NoError(t, waitJob(t, ok))
		err := waitJob(t, bad)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, "settle: boom", err.Error())

		q.mu.Lock()
		defer q.mu.Unlock()
		assert.Empty(t, q.handles)
	})
}

func TestQueueWithoutResyncMissesDroppedOutcome(t *testing.T) {
	q := newTestQueue(t, droppingBroker{NewMemoryBroker()}, WithResync(0))
	require.NoError(t, q.Process("lossy", 1, func(_ context.Context, _ *Job, done DoneFunc) { done(nil) }))

	j := enqueue(t, q, "lossy", nil)
	require.Eventually(t, func() bool {
		rec, err := q.Get(context.Background(), j.ID())
		return err == nil && rec.State == StateComplete
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.Wait(ctx), context.DeadlineExceeded)
}
