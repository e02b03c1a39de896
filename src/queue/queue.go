// Package queue decouples job submission from execution.
//
// Producers create typed jobs and enqueue them on a Broker. Workers register
// one handler per job type with a concurrency cap; each unit of that cap is a
// slot that pulls one job, runs the handler and waits for it to signal before
// pulling the next. With a cap of 1 the handlers of a type never overlap and
// run in submission order, which is what the reservation engine relies on to
// keep its read-check-write sequence safe.
//
// Lifecycle events travel back through the broker, so a producer observes
// completion even when the worker runs in another process. Event delivery is
// best effort: Redis pub/sub drops whatever is published while a subscriber
// reconnects. The queue therefore also polls the broker for jobs it has been
// waiting on for longer than the resync interval and delivers their terminal
// state from the stored record. A missed progress event is not replayed.
package queue

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultResyncInterval is how often stored job state is checked for
	// terminal events the subscription missed.
	DefaultResyncInterval = 5 * time.Second

	errorBackoff  = 200 * time.Millisecond
	ackTimeout    = 5 * time.Second
	ackAttempts   = 3
	ackRetryDelay = 50 * time.Millisecond
)

// DoneFunc signals the end of a job. nil marks it Complete, anything else
// marks it Failed with that error. Calls after the first are ignored.
type DoneFunc func(err error)

// Handler runs one job. It must call done exactly once; until it does, the
// job keeps its slot. ctx is cancelled on shutdown or job timeout.
type Handler func(ctx context.Context, job *Job, done DoneFunc)

type Option func(*Queue)

func WithLogger(l log.FieldLogger) Option {
	return func(q *Queue) { q.log = l }
}

// WithPollInterval sets how long an idle slot waits before asking the broker again.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithJobTimeout force-fails Active jobs whose handler has not signalled
// within d and frees their slot. Zero, the default, waits forever, so a
// handler that never calls done starves its type.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) { q.jobTimeout = d }
}

// WithResync sets how often, and after how long, unfinished jobs created by
// this queue are looked up in the broker. Zero or less disables it.
func WithResync(d time.Duration) Option {
	return func(q *Queue) { q.resync = d }
}

// WithMetrics registers the queue collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(q *Queue) { q.metricsReg = reg }
}

type handle struct {
	job   *Job
	since time.Time
}

type Queue struct {
	broker       Broker
	log          log.FieldLogger
	pollInterval time.Duration
	jobTimeout   time.Duration
	resync       time.Duration
	metricsReg   prometheus.Registerer
	metrics      *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handles  map[int64]*handle
	handlers map[string]int
	closed   bool

	workers   sync.WaitGroup
	eventLoop sync.WaitGroup
}

// New starts a queue over broker. The event subscription is live when New
// returns, so no lifecycle event of a job enqueued afterwards is missed.
func New(ctx context.Context, broker Broker, opts ...Option) (*Queue, error) {
	q := &Queue{
		broker:       broker,
		log:          log.StandardLogger(),
		pollInterval: DefaultPollInterval,
		resync:       DefaultResyncInterval,
		handles:      make(map[int64]*handle),
		handlers:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.pollInterval <= 0 {
		q.pollInterval = DefaultPollInterval
	}
	q.metrics = newMetrics(q.metricsReg)

	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	events, err := broker.Events(q.ctx)
	if err != nil {
		q.cancel()
		return nil, fmt.Errorf("%w: subscribe to job events: %v", ErrQueueUnavailable, err)
	}

	q.eventLoop.Add(1)
	go q.routeEvents(events)
	if q.resync > 0 {
		q.eventLoop.Add(1)
		go q.resyncLoop()
	}
	return q, nil
}

// CreateJob builds a job in the Created state. It is not visible to workers
// until enqueued.
func (q *Queue) CreateJob(jobType string, payload any) (*Job, error) {
	return NewJob(q, jobType, payload)
}

// Enqueue assigns the job an id and hands it to the broker. Broker failures
// come back as ErrQueueUnavailable and leave the job in Created.
func (q *Queue) Enqueue(ctx context.Context, j *Job) (int64, error) {
	j.mu.Lock()
	if j.state != StateCreated || j.enqueuing {
		j.mu.Unlock()
		return 0, ErrAlreadyEnqueued
	}
	j.enqueuing = true
	j.mu.Unlock()

	release := func() {
		j.mu.Lock()
		j.enqueuing = false
		j.mu.Unlock()
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		release()
		return 0, ErrQueueClosed
	}

	id, err := q.broker.NextID(ctx)
	if err != nil {
		release()
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	j.mu.Lock()
	j.id = id
	j.mu.Unlock()

	q.mu.Lock()
	q.handles[id] = &handle{job: j, since: time.Now()}
	q.mu.Unlock()

	rec := &Record{ID: id, Type: j.Type, Data: j.Data, CreatedAt: j.createdAt}
	if err := q.broker.Push(ctx, rec); err != nil {
		q.mu.Lock()
		delete(q.handles, id)
		q.mu.Unlock()
		release()
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	j.mu.Lock()
	j.enqueuing = false
	if j.state == StateCreated {
		j.state = StateQueued
	}
	j.mu.Unlock()

	q.metrics.enqueued.WithLabelValues(j.Type).Inc()
	q.log.WithFields(log.Fields{"job_id": id, "type": j.Type}).Debug("job enqueued")
	return id, nil
}

// Process registers handler for jobType and starts concurrency slots for
// it. concurrency below 1 is treated as 1.
func (q *Queue) Process(jobType string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}
	q.handlers[jobType] = concurrency

	for slot := 0; slot < concurrency; slot++ {
		q.workers.Add(1)
		go q.slotLoop(jobType, slot, handler)
	}

	q.log.WithFields(log.Fields{"type": jobType, "concurrency": concurrency}).Info("processing jobs")
	return nil
}

// Get returns the broker's current record of a job.
func (q *Queue) Get(ctx context.Context, id int64) (*Record, error) {
	return q.broker.Get(ctx, id)
}

// Shutdown stops pulling jobs, cancels running handlers and waits for the
// slots to drain until ctx ends. The broker is left open.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		q.eventLoop.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.log.Warn("queue shutdown timed out with handlers still running")
		return ctx.Err()
	}
}

func (q *Queue) routeEvents(events <-chan Event) {
	defer q.eventLoop.Done()
	for ev := range events {
		q.deliver(ev)
	}
}

func (q *Queue) deliver(ev Event) {
	q.mu.Lock()
	var j *Job
	if h := q.handles[ev.JobID]; h != nil {
		j = h.job
		if ev.Kind.Terminal() {
			delete(q.handles, ev.JobID)
		}
	}
	q.mu.Unlock()

	if j != nil {
		j.Emit(ev)
	}
}

func (q *Queue) resyncLoop() {
	defer q.eventLoop.Done()
	t := time.NewTicker(q.resync)
	defer t.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-t.C:
			q.resyncOnce()
		}
	}
}

// resyncOnce delivers the terminal state of every job waited on for longer
// than the resync interval that the broker already has as finished.
func (q *Queue) resyncOnce() {
	cutoff := time.Now().Add(-q.resync)
	q.mu.Lock()
	var ids []int64
	for id, h := range q.handles {
		if h.since.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		rec, err := q.broker.Get(q.ctx, id)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			q.log.WithError(err).WithField("job_id", id).Debug("resync lookup failed")
			continue
		}
		if !rec.State.Terminal() {
			continue
		}
		out := Outcome{State: rec.State, Error: rec.Error, Reason: rec.Reason, Code: rec.Code}
		q.log.WithFields(log.Fields{"job_id": id, "state": rec.State}).Debug("terminal event recovered from broker")
		q.deliver(out.event(id, rec.Type))
	}
}

func (q *Queue) reportProgress(ctx context.Context, j *Job, percent int) error {
	return q.broker.Progress(ctx, j.ID(), j.lease, percent)
}

func newLease() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
