// Package metrics provides Prometheus metrics for the ingestion pipeline and API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pnl_tracker"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Queue metrics
	SignaturesEnqueued  prometheus.Counter
	SignaturesDuplicate prometheus.Counter
	SignaturesRetried   prometheus.Counter
	SignaturesFailed    prometheus.Counter
	QueueDepth          prometheus.Gauge

	// Processing metrics
	TransactionsProcessed *prometheus.CounterVec
	ProcessingDuration    prometheus.Histogram
	SideEffectErrors      *prometheus.CounterVec

	// Price metrics
	PriceLookups       *prometheus.CounterVec
	PriceSourceLatency *prometheus.HistogramVec
	PriceBatchSize     prometheus.Histogram

	// Metadata metrics
	MetadataLookups *prometheus.CounterVec
	DecimalsAlerts  prometheus.Counter

	// Stream metrics
	StreamState         prometheus.Gauge
	StreamReconnects    prometheus.Counter
	StreamNotifications prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all metrics with reg. A nil reg gets a private registry,
// which keeps tests from colliding on the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		SignaturesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "enqueued_total",
			Help: "Signature events accepted into the queue.",
		}),
		SignaturesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "duplicates_total",
			Help: "Signature events dropped by the idempotency marker.",
		}),
		SignaturesRetried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "retried_total",
			Help: "Signature events re-enqueued with backoff.",
		}),
		SignaturesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "failed_total",
			Help: "Signature events marked processed-with-failure.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Pending plus scheduled signature events.",
		}),
		TransactionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "results_total",
			Help: "Processor outcomes by result.",
		}, []string{"result"}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processor", Name: "duration_seconds",
			Help:    "Time to process one signature event.",
			Buckets: prometheus.DefBuckets,
		}),
		SideEffectErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persistence", Name: "side_effect_errors_total",
			Help: "Failed best-effort side effects after a save.",
		}, []string{"effect"}),
		PriceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "price", Name: "lookups_total",
			Help: "Price resolutions by source and result.",
		}, []string{"source", "result"}),
		PriceSourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "price", Name: "source_duration_seconds",
			Help:    "Latency of upstream price source calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"source"}),
		PriceBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "price", Name: "batch_size",
			Help:    "Mints resolved per coalesced batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		MetadataLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "metadata", Name: "lookups_total",
			Help: "Token metadata resolutions by stage.",
		}, []string{"stage"}),
		DecimalsAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "metadata", Name: "decimals_mismatch_total",
			Help: "Observed decimals disagreeing with stored decimals.",
		}),
		StreamState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "state",
			Help: "Log subscription state (0 disconnected, 1 connecting, 2 subscribed, 3 degraded).",
		}),
		StreamReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnects_total",
			Help: "Log subscription reconnect attempts.",
		}),
		StreamNotifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "notifications_total",
			Help: "Log notifications received.",
		}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler exposes the registry the metrics were created on.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
