package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateCreated  State = "created"
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Enqueuer is what a Job needs from whoever created it to be published.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *Job) (int64, error)
}

// Producer is the surface request handlers use. Queue implements it, and so
// does the in-memory double in queuetest.
type Producer interface {
	Enqueuer
	CreateJob(jobType string, payload any) (*Job, error)
}

type progressReporter interface {
	reportProgress(ctx context.Context, j *Job, percent int) error
}

// Job is a handle on one unit of work. Producers get one from CreateJob and
// attach listeners to it; handlers get their own handle for the job they run.
//
// Listeners fire asynchronously, each at most once for the terminal event.
// A listener attached after the job finished still fires.
type Job struct {
	Type string
	Data json.RawMessage

	owner Enqueuer

	mu        sync.Mutex
	id        int64
	state     State
	enqueuing bool
	progress  int
	err       error
	done      chan struct{}
	createdAt time.Time

	onComplete []func(*Job)
	onFailed   []func(*Job, error)
	onProgress []func(*Job, int)

	// worker side only
	ctx      context.Context
	lease    string
	reporter progressReporter
}

// NewJob builds a job in the Created state. payload is JSON encoded; nil
// means no payload.
func NewJob(owner Enqueuer, jobType string, payload any) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("job type is required")
	}
	j := &Job{
		Type:      jobType,
		owner:     owner,
		state:     StateCreated,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", jobType, err)
		}
		j.Data = data
	}
	return j, nil
}

func newActiveJob(ctx context.Context, rec *Record, reporter progressReporter) *Job {
	return &Job{
		Type:      rec.Type,
		Data:      rec.Data,
		id:        rec.ID,
		state:     StateActive,
		progress:  rec.Progress,
		done:      make(chan struct{}),
		createdAt: rec.CreatedAt,
		ctx:       ctx,
		lease:     rec.Lease,
		reporter:  reporter,
	}
}

// Enqueue publishes the job through the producer that created it.
func (j *Job) Enqueue(ctx context.Context) (int64, error) {
	if j.owner == nil {
		return 0, errors.New("job has no producer")
	}
	return j.owner.Enqueue(ctx, j)
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return errors.New("job has no payload")
	}
	return json.Unmarshal(j.Data, v)
}

func (j *Job) ID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress is the last reported percentage, 0-100.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err is the failure cause once the job is Failed, nil otherwise.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches Complete or Failed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx ends. It returns the job error
// for a Failed job.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) OnComplete(fn func(*Job)) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateComplete {
		go fn(j)
		return j
	}
	j.onComplete = append(j.onComplete, fn)
	return j
}

func (j *Job) OnFailed(fn func(*Job, error)) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateFailed {
		err := j.err
		go fn(j, err)
		return j
	}
	j.onFailed = append(j.onFailed, fn)
	return j
}

// OnProgress listeners only see updates that arrive after registration.
func (j *Job) OnProgress(fn func(*Job, int)) *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onProgress = append(j.onProgress, fn)
	return j
}

// ReportProgress records current/total as a percentage. Only the handler
// running the job may call it, and only while the job is Active.
func (j *Job) ReportProgress(current, total int) error {
	pct := 0
	if total > 0 {
		pct = current * 100 / total
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	j.mu.Lock()
	if j.reporter == nil || j.state != StateActive {
		j.mu.Unlock()
		return ErrNotActive
	}
	j.progress = pct
	ctx, reporter := j.ctx, j.reporter
	j.mu.Unlock()

	return reporter.reportProgress(ctx, j, pct)
}

func (j *Job) deactivate(state State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
}

// Emit applies a lifecycle event to this handle and fires the matching
// listeners. Terminal events after the first are dropped.
func (j *Job) Emit(ev Event) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventEnqueue:
		if j.id == 0 {
			j.id = ev.JobID
		}
		if j.state == StateCreated {
			j.state = StateQueued
		}
		j.mu.Unlock()

	case EventStart:
		j.state = StateActive
		j.mu.Unlock()

	case EventProgress:
		j.progress = ev.Progress
		fns := append([]func(*Job, int){}, j.onProgress...)
		j.mu.Unlock()
		for _, fn := range fns {
			go fn(j, ev.Progress)
		}

	case EventComplete:
		j.state = StateComplete
		fns := j.onComplete
		j.onComplete, j.onFailed = nil, nil
		close(j.done)
		j.mu.Unlock()
		for _, fn := range fns {
			go fn(j)
		}

	case EventFailed:
		j.state = StateFailed
		j.err = &JobError{Message: ev.Error, Reason: ev.Reason, Code: ev.Code}
		err := j.err
		fns := j.onFailed
		j.onComplete, j.onFailed = nil, nil
		close(j.done)
		j.mu.Unlock()
		for _, fn := range fns {
			go fn(j, err)
		}

	default:
		j.mu.Unlock()
	}
}
