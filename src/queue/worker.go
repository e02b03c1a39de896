package queue

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// slotLoop is one concurrency slot of a job type: pull, run, ack, repeat.
func (q *Queue) slotLoop(jobType string, slot int, handler Handler) {
	defer q.workers.Done()
	logger := q.log.WithFields(log.Fields{"type": jobType, "slot": slot})

	for {
		if q.ctx.Err() != nil {
			return
		}

		lease := newLease()
		rec, err := q.broker.Pop(q.ctx, jobType, lease)
		if err != nil {
			if q.ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) || isClosedErr(err) {
				return
			}
			logger.WithError(err).Warn("reserve error")
			q.sleep(errorBackoff)
			continue
		}
		if rec == nil {
			q.sleep(q.pollInterval)
			continue
		}

		q.run(logger, handler, rec)
	}
}

// ack retries transient broker errors. A lease or state rejection is final:
// it means an earlier attempt already landed or the job is no longer ours.
func (q *Queue) ack(rec *Record, out Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), ackTimeout)
	defer cancel()
	return retry.Do(
		func() error { return q.broker.Ack(ctx, rec.ID, rec.Lease, out) },
		retry.Context(ctx),
		retry.Attempts(ackAttempts),
		retry.Delay(ackRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrLeaseMismatch) &&
				!errors.Is(err, ErrNotActive) &&
				!errors.Is(err, ErrJobNotFound) &&
				!errors.Is(err, ErrBrokerClosed)
		}),
	)
}

func (q *Queue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
	case <-t.C:
	}
}

// run executes one Active job and acks its outcome. The slot is held until
// the handler signals or the job timeout fires.
func (q *Queue) run(logger log.FieldLogger, handler Handler, rec *Record) {
	logger = logger.WithField("job_id", rec.ID)
	started := time.Now()
	q.metrics.jobStarted(rec.Type)

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()

	job := newActiveJob(ctx, rec, q)

	signal := make(chan error, 1)
	done := func(err error) {
		select {
		case signal <- err:
		default:
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done(panicError(r))
			}
		}()
		handler(ctx, job, done)
	}()

	var timeout <-chan time.Time
	if q.jobTimeout > 0 {
		t := time.NewTimer(q.jobTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var jobErr error
	select {
	case jobErr = <-signal:
	case <-timeout:
		jobErr = ErrJobTimeout
		logger.WithField("timeout", q.jobTimeout).Warn("job timed out, releasing slot")
	}

	out := Outcome{State: StateComplete}
	if jobErr != nil {
		out = Outcome{
			State:  StateFailed,
			Error:  jobErr.Error(),
			Reason: rootCause(jobErr).Error(),
			Code:   ErrorCode(jobErr),
		}
	}
	job.deactivate(out.State)
	cancel()

	if err := q.ack(rec, out); err != nil {
		logger.WithError(err).Error("ack error")
	}

	q.metrics.jobFinished(rec.Type, jobErr != nil, time.Since(started))
	if jobErr != nil {
		logger.WithError(jobErr).Debug("job failed")
		return
	}
	logger.Debug("job completed")
}
