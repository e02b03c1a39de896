// Package pushnotify creates and processes push notification jobs.
package pushnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/not-empty/reserveq-go/src/queue"
)

const CreateJobType = "push_notification_code_3"

// ErrNotSequence rejects bulk input that is not a list. No job is created.
var ErrNotSequence = errors.New("jobs is not an array")

type Notification struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type Option func(*options)

type options struct {
	log     log.FieldLogger
	jobType string
}

func WithLogger(l log.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithJobType overrides the job type, CreateJobType by default.
func WithJobType(t string) Option {
	return func(o *options) { o.jobType = t }
}

func buildOptions(opts []Option) options {
	o := options{log: log.StandardLogger(), jobType: CreateJobType}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CreateJobs enqueues one job per notification in order and logs every
// lifecycle event of each. Enqueue failures do not stop the loop; they are
// returned together and the failed notifications have no job in the result.
func CreateJobs(ctx context.Context, p queue.Producer, notes []Notification, opts ...Option) ([]*queue.Job, error) {
	o := buildOptions(opts)

	var errs *multierror.Error
	jobs := make([]*queue.Job, 0, len(notes))
	for i, n := range notes {
		job, err := p.CreateJob(o.jobType, n)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("notification %d: %w", i, err))
			continue
		}
		attachLogging(o.log, job)

		id, err := job.Enqueue(ctx)
		if err != nil {
			o.log.WithError(err).Errorf("Error creating job: %v", err)
			errs = multierror.Append(errs, fmt.Errorf("notification %d: %w", i, err))
			continue
		}
		o.log.WithField("job_id", id).Infof("Notification job created: %d", id)
		jobs = append(jobs, job)
	}
	return jobs, errs.ErrorOrNil()
}

// CreateJobsJSON is CreateJobs for a raw JSON body, which must be an array.
func CreateJobsJSON(ctx context.Context, p queue.Producer, raw []byte, opts ...Option) ([]*queue.Job, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotSequence
	}
	var notes []Notification
	if err := json.Unmarshal(trimmed, &notes); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return CreateJobs(ctx, p, notes, opts...)
}

func attachLogging(l log.FieldLogger, job *queue.Job) {
	job.OnComplete(func(j *queue.Job) {
		l.WithField("job_id", j.ID()).Infof("Notification job %d completed", j.ID())
	}).OnFailed(func(j *queue.Job, err error) {
		l.WithField("job_id", j.ID()).Infof("Notification job %d failed: %v", j.ID(), err)
	}).OnProgress(func(j *queue.Job, pct int) {
		l.WithField("job_id", j.ID()).Infof("Notification job %d %d%% complete", j.ID(), pct)
	})
}
