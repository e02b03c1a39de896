// Package queuetest provides an in-memory stand-in for queue.Producer.
// It records jobs in submission order, numbers them from 1 and lets a test
// drive their lifecycle by hand. Nothing runs them.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/not-empty/reserveq-go/src/queue"
)

type Queue struct {
	mu   sync.Mutex
	jobs []*queue.Job

	// EnqueueErr, when set, makes every Enqueue fail with ErrQueueUnavailable.
	EnqueueErr error
}

var _ queue.Producer = (*Queue)(nil)

func New() *Queue { return &Queue{} }

func (q *Queue) CreateJob(jobType string, payload any) (*queue.Job, error) {
	return queue.NewJob(q, jobType, payload)
}

func (q *Queue) Enqueue(_ context.Context, j *queue.Job) (int64, error) {
	if q.EnqueueErr != nil {
		return 0, fmt.Errorf("%w: %v", queue.ErrQueueUnavailable, q.EnqueueErr)
	}
	if j.State() != queue.StateCreated {
		return 0, queue.ErrAlreadyEnqueued
	}

	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	id := int64(len(q.jobs))
	q.mu.Unlock()

	j.Emit(queue.Event{Kind: queue.EventEnqueue, JobID: id, Type: j.Type})
	return id, nil
}

// Jobs returns the enqueued jobs in submission order.
func (q *Queue) Jobs() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*queue.Job(nil), q.jobs...)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

func (q *Queue) job(id int64) *queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id < 1 || int(id) > len(q.jobs) {
		return nil
	}
	return q.jobs[id-1]
}

func (q *Queue) Start(id int64) {
	if j := q.job(id); j != nil {
		j.Emit(queue.Event{Kind: queue.EventStart, JobID: id, Type: j.Type})
	}
}

func (q *Queue) Progress(id int64, percent int) {
	if j := q.job(id); j != nil {
		j.Emit(queue.Event{Kind: queue.EventProgress, JobID: id, Type: j.Type, Progress: percent})
	}
}

func (q *Queue) Complete(id int64) {
	if j := q.job(id); j != nil {
		j.Emit(queue.Event{Kind: queue.EventComplete, JobID: id, Type: j.Type})
	}
}

func (q *Queue) Fail(id int64, err error) {
	j := q.job(id)
	if j == nil {
		return
	}
	reason := err
	for u := errors.Unwrap(reason); u != nil; u = errors.Unwrap(reason) {
		reason = u
	}
	j.Emit(queue.Event{
		Kind:   queue.EventFailed,
		JobID:  id,
		Type:   j.Type,
		Error:  err.Error(),
		Reason: reason.Error(),
		Code:   queue.ErrorCode(err),
	})
}
