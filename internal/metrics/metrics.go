// Package metrics exposes Prometheus counters, gauges and histograms
// for the orchestrator's own operations (ingest throughput,
// reconciliation cycle duration, active sessions), plus the
// /metrics HTTP handler. Adapted from the teacher's pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentctl_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	ReposTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentctl_repos_total",
			Help: "Total number of registered repositories",
		},
	)

	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentctl_events_ingested_total",
			Help: "Total number of events ingested by source",
		},
		[]string{"source"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentctl_ingest_duration_seconds",
			Help:    "Time taken to ingest one event in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisioningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentctl_provisioning_duration_seconds",
			Help:    "Time taken to provision a session's resources in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentctl_reconciliation_duration_seconds",
			Help:    "Time taken for the startup reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciledSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentctl_reconciled_sessions_total",
			Help: "Total number of sessions errored out during startup reconciliation",
		},
	)

	BrokerQueueDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentctl_broker_queue_drops_total",
			Help: "Total number of envelopes dropped because a topic's queue was full",
		},
		[]string{"topic"},
	)

	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentctl_connections_total",
			Help: "Total number of open connections by class",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		ReposTotal,
		EventsIngestedTotal,
		IngestDuration,
		ProvisioningDuration,
		ReconciliationDuration,
		ReconciledSessionsTotal,
		BrokerQueueDropsTotal,
		ConnectionsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled
// histogram vector.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
