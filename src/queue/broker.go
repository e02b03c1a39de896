package queue

import (
	"context"
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventEnqueue  EventKind = "enqueue"
	EventStart    EventKind = "start"
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
)

func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventFailed
}

// Event is a job lifecycle notification published by the broker.
type Event struct {
	Kind     EventKind `json:"kind"`
	JobID    int64     `json:"id"`
	Type     string    `json:"type,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Code     string    `json:"code,omitempty"`
}

// Record is the broker's stored view of a job.
type Record struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	State     State           `json:"state"`
	Progress  int             `json:"progress"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Code      string          `json:"code,omitempty"`
	Lease     string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Outcome is how an Active job ended.
type Outcome struct {
	State  State
	Error  string
	Reason string
	// Code is the registered code of the failure, see RegisterError.
	Code string
}

func (o Outcome) event(id int64, jobType string) Event {
	kind := EventComplete
	if o.State == StateFailed {
		kind = EventFailed
	}
	return Event{Kind: kind, JobID: id, Type: jobType, Error: o.Error, Reason: o.Reason, Code: o.Code}
}

// Broker stores jobs, hands them out per type in FIFO order and publishes
// lifecycle events. Every mutating call publishes the matching Event.
type Broker interface {
	NextID(ctx context.Context) (int64, error)
	// Push stores rec as Queued and appends it to its type's FIFO.
	Push(ctx context.Context, rec *Record) error
	// Pop takes the oldest queued job of jobType and marks it Active under
	// lease. It returns nil, nil when nothing is queued.
	Pop(ctx context.Context, jobType, lease string) (*Record, error)
	Progress(ctx context.Context, id int64, lease string, percent int) error
	// Ack moves an Active job to Complete or Failed.
	Ack(ctx context.Context, id int64, lease string, out Outcome) error
	Get(ctx context.Context, id int64) (*Record, error)
	// Events streams lifecycle events until ctx ends. The subscription is
	// live when Events returns.
	Events(ctx context.Context) (<-chan Event, error)
	Close() error
}
