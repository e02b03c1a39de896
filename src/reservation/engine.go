// Package reservation hands out at most Capacity units of each registered
// resource.
//
// Every reservation is a queue job of type reserve_<name>, and each type is
// processed with a concurrency of one. The handler's read-check-write on the
// counter therefore never overlaps with another for the same resource, which
// is what keeps the counter from overselling. A handler that outlives its job
// timeout no longer holds the slot, so the write is a compare-and-set against
// the value it read and a lost race fails the job with ErrCounterMoved.
//
// Once a resource is sold out it is disabled in this process and further
// requests are refused without touching the queue until Reset.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/not-empty/reserveq-go/src/counter"
	"github.com/not-empty/reserveq-go/src/queue"
)

var (
	// ErrExhausted fails a reservation job that found the resource sold out.
	ErrExhausted = queue.RegisterError("reservation.exhausted", errors.New("resource exhausted"))
	// ErrCounterMoved fails a reservation job whose counter changed between
	// its read and its write. Only a job that outlived its timeout sees it.
	ErrCounterMoved = queue.RegisterError("reservation.counter_moved", errors.New("counter changed during reservation"))
	// ErrReservationsBlocked is returned by Reserve, without enqueueing,
	// once the resource has been disabled.
	ErrReservationsBlocked = errors.New("reservations are blocked")
	ErrUnknownResource     = errors.New("unknown resource")
	ErrDuplicateResource   = errors.New("resource already registered")
)

func init() {
	queue.RegisterError("counter.store_unavailable", counter.ErrStoreUnavailable)
	queue.RegisterError("counter.corrupt_value", counter.ErrCorruptValue)
}

// Queue is the part of queue.Queue the engine needs.
type Queue interface {
	queue.Producer
	Process(jobType string, concurrency int, handler queue.Handler) error
}

type Option func(*Engine)

func WithLogger(l log.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

type Engine struct {
	store counter.Store
	queue Queue
	log   log.FieldLogger

	mu        sync.RWMutex
	resources map[string]*resourceState
}

type resourceState struct {
	res Resource

	mu         sync.Mutex
	enabled    bool
	processing bool
}

func (s *resourceState) isEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *resourceState) setEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = v
}

func NewEngine(store counter.Store, q Queue, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		queue:     q,
		log:       log.StandardLogger(),
		resources: make(map[string]*resourceState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register declares res. With initialize set the counter is reset to zero
// reserved; otherwise the stored value is kept and the enabled flag is
// derived from it.
func (e *Engine) Register(ctx context.Context, res Resource, initialize bool) error {
	if err := res.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.resources[res.Name]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateResource, res.Name)
	}
	st := &resourceState{res: res}
	e.resources[res.Name] = st
	e.mu.Unlock()

	reserved := 0
	if initialize {
		if err := e.write(ctx, res, 0); err != nil {
			e.forget(res.Name)
			return err
		}
	} else {
		var err error
		if reserved, err = e.reserved(ctx, res); err != nil {
			e.forget(res.Name)
			return err
		}
	}
	st.setEnabled(reserved < res.Capacity)

	e.log.WithFields(log.Fields{
		"resource": res.Name,
		"key":      res.Key,
		"capacity": res.Capacity,
		"reserved": reserved,
	}).Info("resource registered")
	return nil
}

func (e *Engine) forget(name string) {
	e.mu.Lock()
	delete(e.resources, name)
	e.mu.Unlock()
}

func (e *Engine) state(name string) (*resourceState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return st, nil
}

// Resources lists the registered resources by name.
func (e *Engine) Resources() []Resource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Resource, 0, len(e.resources))
	for _, st := range e.resources {
		out = append(out, st.res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Process starts the single reservation slot of every registered resource
// that is not processing yet.
func (e *Engine) Process() error {
	e.mu.RLock()
	states := make([]*resourceState, 0, len(e.resources))
	for _, st := range e.resources {
		states = append(states, st)
	}
	e.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.processing {
			st.mu.Unlock()
			continue
		}
		st.processing = true
		st.mu.Unlock()

		if err := e.queue.Process(st.res.JobType(), 1, e.handler(st)); err != nil {
			st.mu.Lock()
			st.processing = false
			st.mu.Unlock()
			return fmt.Errorf("process %s: %w", st.res.Name, err)
		}
	}
	return nil
}

// Available is capacity minus reserved. It is a point-in-time read and may
// be stale by the time the caller looks at it.
func (e *Engine) Available(ctx context.Context, name string) (int, error) {
	st, err := e.state(name)
	if err != nil {
		return 0, err
	}
	reserved, err := e.reserved(ctx, st.res)
	if err != nil {
		return 0, err
	}
	return st.res.Capacity - reserved, nil
}

func (e *Engine) Enabled(name string) (bool, error) {
	st, err := e.state(name)
	if err != nil {
		return false, err
	}
	return st.isEnabled(), nil
}

// Reserve enqueues a reservation job for name carrying the resource's
// default payload.
func (e *Engine) Reserve(ctx context.Context, name string) (*queue.Job, error) {
	st, err := e.state(name)
	if err != nil {
		return nil, err
	}
	return e.reserve(ctx, st, st.res.Payload)
}

// ReserveWith is Reserve with a caller supplied payload, which is what a
// Validate hook inspects.
func (e *Engine) ReserveWith(ctx context.Context, name string, payload any) (*queue.Job, error) {
	st, err := e.state(name)
	if err != nil {
		return nil, err
	}
	return e.reserve(ctx, st, payload)
}

func (e *Engine) reserve(ctx context.Context, st *resourceState, payload any) (*queue.Job, error) {
	if !st.isEnabled() {
		return nil, fmt.Errorf("%s: %w", st.res.Name, ErrReservationsBlocked)
	}

	job, err := e.queue.CreateJob(st.res.JobType(), payload)
	if err != nil {
		return nil, err
	}
	if _, err := job.Enqueue(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// Reset zeroes the reserved count of name and enables it again.
func (e *Engine) Reset(ctx context.Context, name string) error {
	st, err := e.state(name)
	if err != nil {
		return err
	}
	if err := e.write(ctx, st.res, 0); err != nil {
		return err
	}
	st.setEnabled(true)
	e.log.WithField("resource", name).Info("resource reset")
	return nil
}

func (e *Engine) handler(st *resourceState) queue.Handler {
	res := st.res
	logger := e.log.WithField("resource", res.Name)

	return func(ctx context.Context, job *queue.Job, done queue.DoneFunc) {
		progress := func(pct int) {
			if err := job.ReportProgress(pct, 100); err != nil {
				logger.WithError(err).WithField("job_id", job.ID()).Warn("progress not recorded")
			}
		}
		progress(0)

		if res.Validate != nil {
			if err := res.Validate(job); err != nil {
				done(err)
				return
			}
		}

		reserved, err := e.reserved(ctx, res)
		if err != nil {
			done(err)
			return
		}
		if reserved >= res.Capacity {
			st.setEnabled(false)
			done(fmt.Errorf("reserve %s: %w", res.Name, ErrExhausted))
			return
		}

		progress(50)
		if err := ctx.Err(); err != nil {
			done(err)
			return
		}
		next := reserved + 1
		swapped, err := e.swap(ctx, res, reserved, next)
		if err != nil {
			done(err)
			return
		}
		if !swapped {
			logger.WithField("job_id", job.ID()).Warn("counter moved under a stale reservation, not written")
			done(fmt.Errorf("reserve %s: %w", res.Name, ErrCounterMoved))
			return
		}
		if next >= res.Capacity {
			st.setEnabled(false)
			logger.Info("resource sold out, reservations disabled")
		}
		done(nil)
	}
}

func (e *Engine) reserved(ctx context.Context, res Resource) (int, error) {
	if res.Counting == CountRemaining {
		left, err := counter.GetOr(ctx, e.store, res.Key, res.Capacity)
		if err != nil {
			return 0, err
		}
		return res.Capacity - left, nil
	}
	return counter.GetOr(ctx, e.store, res.Key, 0)
}

// swap moves the counter from reserved to next only if nobody wrote it since
// it was read.
func (e *Engine) swap(ctx context.Context, res Resource, reserved, next int) (bool, error) {
	if res.Counting == CountRemaining {
		return e.store.CompareAndSet(ctx, res.Key, res.Capacity, res.Capacity-reserved, res.Capacity-next)
	}
	return e.store.CompareAndSet(ctx, res.Key, 0, reserved, next)
}

func (e *Engine) write(ctx context.Context, res Resource, reserved int) error {
	v := reserved
	if res.Counting == CountRemaining {
		v = res.Capacity - reserved
	}
	return e.store.Set(ctx, res.Key, v)
}
