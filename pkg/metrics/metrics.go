// Package metrics exposes the service's Prometheus collectors on a private
// registry so tests and the /metrics handler see only watchtower series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the monitoring core records into.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal        *prometheus.CounterVec
	ProbeDuration      *prometheus.HistogramVec
	BreakerTransitions *prometheus.CounterVec
	BusSessions        prometheus.Gauge
	BusSendFailures    prometheus.Counter
	RetentionRuns      *prometheus.CounterVec
	ChecksDeleted      prometheus.Counter
}

// New creates a Metrics instance backed by a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Completed probes by endpoint and resulting status.",
		}, []string{"endpoint", "status"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall-clock duration of HTTP probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by endpoint and target state.",
		}, []string{"endpoint", "state"}),
		BusSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_sessions",
			Help:      "Currently connected live-bus sessions.",
		}),
		BusSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_send_failures_total",
			Help:      "Per-subscriber deliveries dropped after a send failure.",
		}),
		RetentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_runs_total",
			Help:      "Retention job executions by result.",
		}, []string{"result"}),
		ChecksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_deleted_total",
			Help:      "Raw uptime_checks rows removed by retention batches.",
		}),
	}

	reg.MustRegister(
		m.ProbesTotal,
		m.ProbeDuration,
		m.BreakerTransitions,
		m.BusSessions,
		m.BusSendFailures,
		m.RetentionRuns,
		m.ChecksDeleted,
	)
	return m
}

// Gatherer returns the private registry for the /metrics handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
