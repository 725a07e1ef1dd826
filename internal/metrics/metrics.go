// Package metrics provides Prometheus metrics for the price cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// Sync metrics
	SyncCalls      *prometheus.CounterVec
	FastPathHits   prometheus.Counter
	ChunksFetched  *prometheus.CounterVec
	FetchLatency   prometheus.Histogram
	SentinelRows   prometheus.Counter
	PricedRows     prometheus.Counter
	WriteConflicts prometheus.Counter

	// Query metrics
	Queries *prometheus.CounterVec
}

// New registers every metric on a fresh registry so tests can build as many
// instances as they like.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "price_cache"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "calls_total",
			Help:      "EnsureCached calls by result",
		}, []string{"result"}),
		FastPathHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fast_path_total",
			Help:      "EnsureCached calls answered without provider access",
		}),
		ChunksFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "chunks_total",
			Help:      "Provider chunk fetches by outcome",
		}, []string{"outcome"}),
		FetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of a single provider fetch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SentinelRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "sentinel_rows_total",
			Help:      "Intervals recorded as unavailable",
		}),
		PricedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "priced_rows_total",
			Help:      "Priced intervals written",
		}),
		WriteConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_conflicts_total",
			Help:      "Upserts re-run after a write conflict",
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Query engine calls by operation and result",
		}, []string{"op", "result"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) RecordSync(result string) {
	if m == nil {
		return
	}
	m.SyncCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFastPath() {
	if m == nil {
		return
	}
	m.FastPathHits.Inc()
}

func (m *Metrics) RecordChunk(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ChunksFetched.WithLabelValues(outcome).Inc()
	m.FetchLatency.Observe(took.Seconds())
}

func (m *Metrics) RecordRows(priced, sentinel int) {
	if m == nil {
		return
	}
	m.PricedRows.Add(float64(priced))
	m.SentinelRows.Add(float64(sentinel))
}

func (m *Metrics) RecordWriteConflict() {
	if m == nil {
		return
	}
	m.WriteConflicts.Inc()
}

func (m *Metrics) RecordQuery(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Queries.WithLabelValues(op, result).Inc()
}
