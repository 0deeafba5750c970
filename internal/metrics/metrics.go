// Package metrics holds the collector's Prometheus instruments on an
// explicit registry so tests can assert on them without global state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the pipeline reports to.
type Metrics struct {
	reg *prometheus.Registry

	// Queue side.
	ItemsLeased     prometheus.Counter
	ItemsCompleted  *prometheus.CounterVec // outcome: released, dead_lettered, requeued
	ItemsInFlight   prometheus.Gauge
	LeaseExtensions prometheus.Counter

	// Request execution.
	RequestsTotal   *prometheus.CounterVec // service, outcome: ok, transient, permanent
	RequestRetries  prometheus.Counter
	RequestDuration prometheus.Histogram

	// Batching and persistence.
	BatchFlushes    *prometheus.CounterVec // trigger: size, timeout, shutdown
	BatchRows       prometheus.Histogram
	PersistDuration prometheus.Histogram
	PersistFailures prometheus.Counter

	// Local storage commits.
	CommitDuration prometheus.Histogram
	CommitBytes    prometheus.Counter
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ItemsLeased: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvest_items_leased_total",
			Help: "Queue items leased for processing.",
		}),
		ItemsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_completed_total",
			Help: "Queue items that left the pipeline, by outcome.",
		}, []string{"outcome"}),
		ItemsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_items_in_flight",
			Help: "Items leased and not yet released or dead-lettered.",
		}),
		LeaseExtensions: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvest_lease_extensions_total",
			Help: "Visibility extensions issued for in-flight items.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_requests_total",
			Help: "API requests executed, by service and outcome.",
		}, []string{"service", "outcome"}),
		RequestRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvest_request_retries_total",
			Help: "Retry attempts after transient request failures.",
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_request_duration_seconds",
			Help:    "End-to-end API request latency, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_batch_flushes_total",
			Help: "Batch flushes, by trigger.",
		}, []string{"trigger"}),
		BatchRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_batch_rows",
			Help:    "Rows per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_persist_duration_seconds",
			Help:    "Batch persistence latency, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvest_persist_failures_total",
			Help: "Failed batch write attempts.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_storage_commit_duration_seconds",
			Help:    "Local storage batch commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
		CommitBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvest_storage_commit_bytes_total",
			Help: "Bytes committed to local storage.",
		}),
	}
}

// Registry exposes the underlying registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveCommit satisfies the storage layer's commit observer.
func (m *Metrics) ObserveCommit(elapsed time.Duration, bytes int) {
	m.CommitDuration.Observe(elapsed.Seconds())
	m.CommitBytes.Add(float64(bytes))
}
