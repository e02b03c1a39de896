// Package httpapi exposes the seat and stock reservation services over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/not-empty/reserveq-go/src/queue"
)

const DefaultReserveTimeout = 5 * time.Second

// Engine is what the handlers need from reservation.Engine.
type Engine interface {
	Available(ctx context.Context, name string) (int, error)
	Reserve(ctx context.Context, name string) (*queue.Job, error)
	Process() error
}

type Option func(*API)

func WithLogger(l log.FieldLogger) Option {
	return func(a *API) { a.log = l }
}

// WithRateLimit throttles each client address to rps requests per second
// with the given burst. Rejected requests get 429.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *API) {
		if rps > 0 {
			a.limiter = newClientLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithMetrics serves g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithReserveTimeout bounds how long /reserve_product waits for the job.
func WithReserveTimeout(d time.Duration) Option {
	return func(a *API) { a.reserveTimeout = d }
}

type API struct {
	engine         Engine
	log            log.FieldLogger
	limiter        *clientLimiter
	gatherer       prometheus.Gatherer
	reserveTimeout time.Duration
}

func New(engine Engine, opts ...Option) *API {
	a := &API{
		engine:         engine,
		log:            log.StandardLogger(),
		reserveTimeout: DefaultReserveTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.reserveTimeout <= 0 {
		a.reserveTimeout = DefaultReserveTimeout
	}
	return a
}

// SeatHandler serves /available_seats, /reserve_seat and /process.
func (a *API) SeatHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /available_seats", a.availableSeats)
	mux.HandleFunc("GET /reserve_seat", a.reserveSeat)
	mux.HandleFunc("GET /process", a.process)
	return a.wrap(mux)
}

// StockHandler serves the product listing and reservation routes.
func (a *API) StockHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /list_products", a.listProducts)
	mux.HandleFunc("GET /list_products/{itemId}", a.getProduct)
	mux.HandleFunc("GET /reserve_product/{itemId}", a.reserveProduct)
	return a.wrap(mux)
}

func (a *API) wrap(mux *http.ServeMux) http.Handler {
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	var h http.Handler = mux
	if a.limiter != nil {
		h = a.limiter.middleware(h)
	}
	return a.logRequests(h)
}

type status struct {
	Status string `json:"status"`
	ItemID int    `json:"itemId,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).Warn("write response")
	}
}
