package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "reserveq_queue_"

type metrics struct {
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	active    *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// newMetrics builds the queue collectors and registers them on reg when it
// is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_enqueued_total",
			Help: "Jobs enqueued by type",
		}, []string{"type"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_completed_total",
			Help: "Jobs completed by type",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_failed_total",
			Help: "Jobs failed by type",
		}, []string{"type"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricsPrefix + "jobs_active",
			Help: "Jobs currently held by a worker slot",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricsPrefix + "job_duration_seconds",
			Help:    "Time from dispatch to completion signal",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.completed, m.failed, m.active, m.duration)
	}
	return m
}

func (m *metrics) jobStarted(jobType string) {
	m.active.WithLabelValues(jobType).Inc()
}

func (m *metrics) jobFinished(jobType string, failed bool, elapsed time.Duration) {
	m.active.WithLabelValues(jobType).Dec()
	m.duration.WithLabelValues(jobType).Observe(elapsed.Seconds())
	if failed {
		m.failed.WithLabelValues(jobType).Inc()
		return
	}
	m.completed.WithLabelValues(jobType).Inc()
}
