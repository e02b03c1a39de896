package queue

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueUnavailable is returned by Enqueue when the broker cannot take the job.
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrBrokerClosed     = errors.New("broker closed")
	ErrQueueClosed      = errors.New("queue closed")
	ErrJobNotFound      = errors.New("job not found")
	ErrNotActive        = errors.New("job is not active")
	ErrLeaseMismatch    = errors.New("job lease mismatch")
	ErrJobTimeout       = RegisterError("queue.job_timeout", errors.New("job timed out"))
	ErrAlreadyEnqueued  = errors.New("job already enqueued")
	ErrHandlerExists    = errors.New("handler already registered for job type")
)

type codedError struct {
	code string
	err  error
}

var (
	codesMu sync.RWMutex
	codes   []codedError
)

// RegisterError gives err a code that travels with a failed job through the
// broker, so errors.Is(jobErr, err) holds for the job's producer even when
// the handler ran in another process. Both sides must register the same
// code. Reusing a code for a different error panics.
func RegisterError(code string, err error) error {
	codesMu.Lock()
	defer codesMu.Unlock()
	for _, c := range codes {
		if c.code == code {
			if c.err != err {
				panic(fmt.Sprintf("queue: error code %q already registered", code))
			}
			return err
		}
	}
	codes = append(codes, codedError{code: code, err: err})
	return err
}

// ErrorCode is the code of the first registered error that err matches, or
// "" when there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

func registeredError(code string) error {
	if code == "" {
		return nil
	}
	codesMu.RLock()
	defer codesMu.RUnlock()
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// JobError is how a handler failure looks to producers once it has crossed
// the broker. Message is the full error text and Reason the innermost
// cause's text, both for display only. Matching goes through Code: the
// error unwraps to the registered error with that code, so an unregistered
// sentinel never matches, whatever its text.
type JobError struct {
	Message string
	Reason  string
	Code    string
}

func (e *JobError) Error() string { return e.Message }

func (e *JobError) Unwrap() error { return registeredError(e.Code) }

func rootCause(err error) error {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
}

func panicError(r any) error {
	switch t := r.(type) {
	case error:
		return fmt.Errorf("panic: %w", t)
	default:
		return fmt.Errorf("panic: %v", r)
	}
}
