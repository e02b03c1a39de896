package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/not-empty/reserveq-go/src/catalog"
	"github.com/not-empty/reserveq-go/src/reservation"
)

type productView struct {
	catalog.Product
	CurrentQuantity int `json:"currentQuantity"`
}

func (a *API) listProducts(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, catalog.Products())
}

func (a *API) product(r *http.Request) (catalog.Product, bool) {
	id, err := strconv.Atoi(r.PathValue("itemId"))
	if err != nil {
		return catalog.Product{}, false
	}
	return catalog.Lookup(id)
}

func (a *API) getProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := a.product(r)
	if !ok {
		a.writeJSON(w, http.StatusOK, status{Status: "Product not found"})
		return
	}
	n, err := a.engine.Available(r.Context(), catalog.ResourceName(p.ItemID))
	if err != nil {
		a.log.WithError(err).WithField("item_id", p.ItemID).Error("read stock")
		a.writeJSON(w, http.StatusServiceUnavailable, status{Status: "Store unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, productView{Product: p, CurrentQuantity: n})
}

// reserveProduct runs the reservation through the item's queue slot and
// waits for its outcome, so a confirmation always means the unit is held.
func (a *API) reserveProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := a.product(r)
	if !ok {
		a.writeJSON(w, http.StatusOK, status{Status: "Product not found"})
		return
	}
	name := catalog.ResourceName(p.ItemID)
	logger := a.log.WithField("item_id", p.ItemID)

	n, err := a.engine.Available(r.Context(), name)
	if err != nil {
		logger.WithError(err).Error("read stock")
		a.writeJSON(w, http.StatusServiceUnavailable, status{Status: "Store unavailable"})
		return
	}
	if n <= 0 {
		a.writeJSON(w, http.StatusOK, status{Status: "Not enough stock available", ItemID: p.ItemID})
		return
	}

	job, err := a.engine.Reserve(r.Context(), name)
	switch {
	case errors.Is(err, reservation.ErrReservationsBlocked):
		a.writeJSON(w, http.StatusOK, status{Status: "Not enough stock available", ItemID: p.ItemID})
		return
	case err != nil:
		logger.WithError(err).Error("enqueue stock reservation")
		a.writeJSON(w, http.StatusServiceUnavailable, status{Status: "Reservation failed", ItemID: p.ItemID})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.reserveTimeout)
	defer cancel()
	err = job.Wait(ctx)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, status{Status: "Reservation confirmed", ItemID: p.ItemID})
	case errors.Is(err, reservation.ErrExhausted):
		a.writeJSON(w, http.StatusOK, status{Status: "Not enough stock available", ItemID: p.ItemID})
	case errors.Is(err, context.DeadlineExceeded):
		a.writeJSON(w, http.StatusAccepted, status{Status: "Reservation in process", ItemID: p.ItemID})
	default:
		logger.WithError(err).WithField("job_id", job.ID()).Error("stock reservation failed")
		a.writeJSON(w, http.StatusOK, status{Status: "Reservation failed", ItemID: p.ItemID})
	}
}
