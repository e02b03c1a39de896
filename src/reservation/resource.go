package reservation

import (
	"errors"
	"fmt"

	"github.com/not-empty/reserveq-go/src/queue"
)

// Counting says how a resource's counter value is read.
type Counting int

const (
	// CountReserved stores the number of units reserved so far.
	CountReserved Counting = iota
	// CountRemaining stores the number of units left.
	CountRemaining
)

const (
	SeatResourceName    = "seat"
	SeatKey             = "available_seats"
	DefaultSeatCapacity = 50
)

// Resource is one independently limited pool.
type Resource struct {
	Name     string
	Key      string
	Capacity int
	Counting Counting

	// Payload is attached to every reservation job unless the caller
	// supplies its own.
	Payload any

	// Validate runs before the counter is touched. A non-nil error fails
	// the job and leaves the counter alone.
	Validate func(*queue.Job) error
}

// JobType is the queue type every reservation of r is enqueued under.
func (r Resource) JobType() string { return "reserve_" + r.Name }

func (r Resource) validate() error {
	switch {
	case r.Name == "":
		return errors.New("resource name is required")
	case r.Key == "":
		return fmt.Errorf("resource %s: key is required", r.Name)
	case r.Capacity <= 0:
		return fmt.Errorf("resource %s: capacity must be positive, got %d", r.Name, r.Capacity)
	}
	return nil
}

// SeatResource is the seat pool, stored as seats remaining under available_seats.
func SeatResource(capacity int) Resource {
	if capacity <= 0 {
		capacity = DefaultSeatCapacity
	}
	return Resource{
		Name:     SeatResourceName,
		Key:      SeatKey,
		Capacity: capacity,
		Counting: CountRemaining,
	}
}
