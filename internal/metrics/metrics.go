// ============================================================================
// Job Lifecycle Metrics - Prometheus
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes lifecycle metrics for Prometheus.
//
// Metrics:
//
//   Counters:
//     - tapis_jobs_transitions_total{from,to}
//     - tapis_jobs_blocked_total{kind,activity}
//     - tapis_jobs_failed_total
//     - tapis_jobs_cancelled_total
//     - tapis_jobs_transfer_polls_total{status}
//     - tapis_jobs_recovery_total{kind,action}
//
//   Histogram:
//     - tapis_jobs_advance_seconds{status,outcome}
//
//   Gauge:
//     - tapis_jobs_in_flight
//
// Example queries:
//
//   # failure rate
//   rate(tapis_jobs_failed_total[5m])
//
//   # 95th percentile time spent in RUNNING
//   histogram_quantile(0.95, sum by (le) (rate(tapis_jobs_advance_seconds_bucket{status="RUNNING"}[5m])))
//
// The collector registers on the Registerer it is given; tests pass a fresh
// prometheus.NewRegistry(). A nil *Collector is a valid no-op observer.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

const namespace = "tapis_jobs"

// Collector is the Prometheus view of the job lifecycle.
type Collector struct {
	transitions   *prometheus.CounterVec
	blocked       *prometheus.CounterVec
	failed        prometheus.Counter
	cancelled     prometheus.Counter
	transferPolls *prometheus.CounterVec
	recovery      *prometheus.CounterVec
	advance       *prometheus.HistogramVec
	inFlight      prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Job status transitions",
		}, []string{"from", "to"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Jobs blocked on a recoverable failure",
		}, []string{"kind", "activity"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Jobs that ended FAILED",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Jobs that ended CANCELLED",
		}),
		transferPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_polls_total",
			Help:      "Files service transfer status polls by observed status",
		}, []string{"status"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_total",
			Help:      "Recovery actions on blocked jobs",
		}, []string{"kind", "action"}),
		advance: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advance_seconds",
			Help:      "Time spent doing the work of one status",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Jobs currently held by a worker",
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.blocked,
		c.failed,
		c.cancelled,
		c.transferPolls,
		c.recovery,
		c.advance,
		c.inFlight,
	)
	return c
}

// ObserveTransition counts a status change.
func (c *Collector) ObserveTransition(from, to types.JobStatus) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	switch to {
	case types.StatusFailed:
		c.failed.Inc()
	case types.StatusCancelled:
		c.cancelled.Inc()
	}
}

func (c *Collector) ObserveBlocked(kind recoverable.Kind, activity types.BlockedActivity) {
	if c == nil {
		return
	}
	c.blocked.WithLabelValues(string(kind), string(activity)).Inc()
}

func (c *Collector) ObserveAdvance(status types.JobStatus, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.advance.WithLabelValues(string(status), outcome).Observe(d.Seconds())
}

func (c *Collector) ObserveTransferPoll(status string) {
	if c == nil {
		return
	}
	c.transferPolls.WithLabelValues(status).Inc()
}

func (c *Collector) ObserveRecovery(kind recoverable.Kind, action string) {
	if c == nil {
		return
	}
	c.recovery.WithLabelValues(string(kind), action).Inc()
}

func (c *Collector) ObserveInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
