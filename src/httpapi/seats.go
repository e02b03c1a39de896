package httpapi

import (
	"errors"
	"net/http"

	"github.com/not-empty/reserveq-go/src/queue"
	"github.com/not-empty/reserveq-go/src/reservation"
)

func (a *API) availableSeats(w http.ResponseWriter, r *http.Request) {
	n, err := a.engine.Available(r.Context(), reservation.SeatResourceName)
	if err != nil {
		a.log.WithError(err).Error("read available seats")
		a.writeJSON(w, http.StatusServiceUnavailable, status{Status: "Store unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"numberOfAvailableSeats": n})
}

func (a *API) reserveSeat(w http.ResponseWriter, r *http.Request) {
	job, err := a.engine.Reserve(r.Context(), reservation.SeatResourceName)
	switch {
	case errors.Is(err, reservation.ErrReservationsBlocked):
		a.writeJSON(w, http.StatusOK, status{Status: "Reservation are blocked"})
		return
	case err != nil:
		a.log.WithError(err).Error("enqueue seat reservation")
		a.writeJSON(w, http.StatusOK, status{Status: "Reservation failed"})
		return
	}

	job.OnComplete(func(j *queue.Job) {
		a.log.WithField("job_id", j.ID()).Infof("Seat reservation job %d completed", j.ID())
	}).OnFailed(func(j *queue.Job, err error) {
		a.log.WithField("job_id", j.ID()).Infof("Seat reservation job %d failed: %v", j.ID(), err)
	})
	a.writeJSON(w, http.StatusOK, status{Status: "Reservation in process"})
}

func (a *API) process(w http.ResponseWriter, _ *http.Request) {
	if err := a.engine.Process(); err != nil {
		a.log.WithError(err).Error("start queue processing")
		a.writeJSON(w, http.StatusInternalServerError, status{Status: "Queue processing failed"})
		return
	}
	a.writeJSON(w, http.StatusOK, status{Status: "Queue processing"})
}
