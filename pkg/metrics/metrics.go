// Package metrics registers the Prometheus instrumentation each mrgc
// control-loop process exposes on its /metrics endpoint. These are
// distinct from the MetricPoint rows in pkg/storage: Prometheus
// metrics are process-local and scrape-pulled for dashboards/alerting,
// while MetricPoint is a durable, region-scoped time series other
// components (the Autoscaler) read back out of the KV store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health Monitor (C4)
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrgc_health_probe_duration_seconds",
			Help:    "Duration of a single worker health probe",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_health_probes_total",
			Help: "Total health probes by region and outcome",
		},
		[]string{"region", "outcome"}, // outcome: healthy, degraded, unhealthy
	)

	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mrgc_workers_by_state",
			Help: "Current worker count by region, model pool and state",
		},
		[]string{"region", "model_pool", "state"},
	)

	HealthCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrgc_health_cycle_duration_seconds",
			Help:    "Duration of a full health-monitor fan-out cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)

	// Regional Router (C5)
	ForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrgc_forward_duration_seconds",
			Help:    "Duration of a forwarded inference request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region", "model_pool"},
	)

	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_forwards_total",
			Help: "Total forwarded inference requests by outcome",
		},
		[]string{"region", "model_pool", "outcome"}, // ok, retried, no_capacity, timeout, error
	)

	CandidateCacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_candidate_cache_refreshes_total",
			Help: "Total candidate cache refresh cycles",
		},
		[]string{"region"},
	)

	// Failover Controller (C6)
	FailoverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mrgc_failover_state",
			Help: "Current failover state per region (1 for the active state, 0 otherwise)",
		},
		[]string{"region", "state"},
	)

	FailoverTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_failover_transitions_total",
			Help: "Total failover FSM transitions by region, from-state and to-state",
		},
		[]string{"region", "from", "to"},
	)

	// Autoscaler (C7)
	ScalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_scaling_decisions_total",
			Help: "Total autoscaler decisions by model pool, region and action",
		},
		[]string{"model_pool", "region", "action"},
	)

	CurrentCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mrgc_current_capacity",
			Help: "Current worker capacity per model pool and region",
		},
		[]string{"model_pool", "region"},
	)

	// Shared KV substrate
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrgc_store_operation_duration_seconds",
			Help:    "Duration of a storage.Store operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrgc_store_errors_total",
			Help: "Total storage.Store operation errors by kind",
		},
		[]string{"operation", "kind"}, // kind: not_found, conflict, transient, other
	)
)

func init() {
	prometheus.MustRegister(
		ProbeDuration,
		ProbesTotal,
		WorkersByState,
		HealthCycleDuration,
		ForwardDuration,
		ForwardsTotal,
		CandidateCacheRefreshes,
		FailoverState,
		FailoverTransitionsTotal,
		ScalingDecisionsTotal,
		CurrentCapacity,
		StoreOperationDuration,
		StoreErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
