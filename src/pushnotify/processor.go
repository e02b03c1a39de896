package pushnotify

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/not-empty/reserveq-go/src/queue"
)

const (
	ProcessJobType     = "push_notification_code_2"
	DefaultConcurrency = 2
)

var ErrBlacklisted = queue.RegisterError("pushnotify.blacklisted", errors.New("is blacklisted"))

var DefaultBlacklist = NewBlacklist("4153518780", "4153518781")

type Blacklist map[string]struct{}

func NewBlacklist(numbers ...string) Blacklist {
	b := make(Blacklist, len(numbers))
	for _, n := range numbers {
		b[n] = struct{}{}
	}
	return b
}

func (b Blacklist) Check(phone string) error {
	if _, ok := b[phone]; ok {
		return fmt.Errorf("phone number %s %w", phone, ErrBlacklisted)
	}
	return nil
}

// BlacklistValidator rejects jobs whose Notification payload targets a
// blacklisted number. It fits reservation.Resource.Validate.
func BlacklistValidator(b Blacklist) func(*queue.Job) error {
	return func(job *queue.Job) error {
		var n Notification
		if err := job.Decode(&n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		return b.Check(n.PhoneNumber)
	}
}

type Sender interface {
	Send(ctx context.Context, phoneNumber, message string) error
}

type SenderFunc func(ctx context.Context, phoneNumber, message string) error

func (f SenderFunc) Send(ctx context.Context, phoneNumber, message string) error {
	return f(ctx, phoneNumber, message)
}

// LogSender only logs the notification.
type LogSender struct {
	Log log.FieldLogger
}

func (s LogSender) Send(_ context.Context, phoneNumber, message string) error {
	l := s.Log
	if l == nil {
		l = log.StandardLogger()
	}
	l.WithField("phone", phoneNumber).Infof("Sending notification to %s, with message: %s", phoneNumber, message)
	return nil
}

// Processor handles notification jobs: progress 0, blacklist check,
// progress 50, send.
type Processor struct {
	Blacklist Blacklist
	Sender    Sender
	Log       log.FieldLogger
}

func NewProcessor(logger log.FieldLogger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		Blacklist: DefaultBlacklist,
		Sender:    LogSender{Log: logger},
		Log:       logger,
	}
}

type processQueue interface {
	Process(jobType string, concurrency int, handler queue.Handler) error
}

// Register binds the processor to ProcessJobType with DefaultConcurrency.
func (p *Processor) Register(q processQueue) error {
	return p.RegisterType(q, ProcessJobType, DefaultConcurrency)
}

func (p *Processor) RegisterType(q processQueue, jobType string, concurrency int) error {
	return q.Process(jobType, concurrency, p.Handle)
}

func (p *Processor) Handle(ctx context.Context, job *queue.Job, done queue.DoneFunc) {
	p.progress(job, 0)

	var n Notification
	if err := job.Decode(&n); err != nil {
		done(fmt.Errorf("decode notification: %w", err))
		return
	}
	if err := p.Blacklist.Check(n.PhoneNumber); err != nil {
		done(err)
		return
	}

	p.progress(job, 50)
	if p.Sender != nil {
		if err := p.Sender.Send(ctx, n.PhoneNumber, n.Message); err != nil {
			done(fmt.Errorf("send to %s: %w", n.PhoneNumber, err))
			return
		}
	}
	done(nil)
}

func (p *Processor) progress(job *queue.Job, pct int) {
	if err := job.ReportProgress(pct, 100); err != nil && p.Log != nil {
		p.Log.WithError(err).WithField("job_id", job.ID()).Warn("progress not recorded")
	}
}
