// Package metrics exposes Prometheus collectors for ingestion, queries and
// model calls. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lightrag"

// Metrics holds the collectors.
type Metrics struct {
	llmRequests  *prometheus.CounterVec
	llmLatency   *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	documents    *prometheus.CounterVec
	chunks       prometheus.Counter
	ingestTime   prometheus.Histogram
	queries      *prometheus.CounterVec
	queryLatency *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model backend calls by operation and outcome",
		}, []string{"op", "status"}),
		llmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Latency of model backend calls, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"op"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cache_lookups_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Insert outcomes: processed, skipped (already processed) or failed",
		}, []string{"status"}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_processed_total",
			Help:      "Chunks stored by successful inserts",
		}),
		ingestTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insert_duration_seconds",
			Help:      "Time to chunk, extract and index one document",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries by mode and outcome (answered, no_context, error)",
		}, []string{"mode", "outcome"}),
		queryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query latency by mode",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}

// ObserveLLMRequest records one backend call.
func (m *Metrics) ObserveLLMRequest(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmRequests.WithLabelValues(op, status).Inc()
	m.llmLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCache records a response cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Insert outcomes.
const (
	InsertProcessed = "processed"
	InsertSkipped   = "skipped"
	InsertFailed    = "failed"
)

// ObserveInsert records one Insert call.
func (m *Metrics) ObserveInsert(status string, chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(status).Inc()
	if status == InsertProcessed {
		m.chunks.Add(float64(chunks))
		m.ingestTime.Observe(d.Seconds())
	}
}

// Query outcomes.
const (
	QueryAnswered  = "answered"
	QueryNoContext = "no_context"
	QueryError     = "error"
)

// ObserveQuery records one query.
func (m *Metrics) ObserveQuery(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(mode, outcome).Inc()
	m.queryLatency.WithLabelValues(mode).Observe(d.Seconds())
}
