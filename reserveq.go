package reserveq

import (
	"github.com/not-empty/reserveq-go/src/pushnotify"
	"github.com/not-empty/reserveq-go/src/queue"
	"github.com/not-empty/reserveq-go/src/reservation"
	internal "github.com/not-empty/reserveq-go/src/reserveq"
)

type Client = internal.Client
type ClientOpts = internal.ClientOpts

type Job = queue.Job
type DoneFunc = queue.DoneFunc
type Handler = queue.Handler

type Resource = reservation.Resource
type Notification = pushnotify.Notification

var NewClient = internal.NewClient

var (
	SeatResource = reservation.SeatResource

	ErrExhausted           = reservation.ErrExhausted
	ErrReservationsBlocked = reservation.ErrReservationsBlocked
	ErrQueueUnavailable    = queue.ErrQueueUnavailable
)
