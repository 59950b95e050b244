// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for StreamVeil.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast-path
// access on the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	tokensIssued     int64
	tokensValidated  int64
	tokensRejected   int64
	riskAllowed      int64
	riskBlocked      int64
	riskLookupErrors int64
	riskCacheHits    int64
	upstreamErrors   int64
	eventsDropped    int64

	promTokensIssued    prometheus.Counter
	promTokensValidated prometheus.Counter
	promTokensRejected  *prometheus.CounterVec
	promRiskAllowed     prometheus.Counter
	promRiskBlocked     *prometheus.CounterVec
	promRiskLookupErrs  prometheus.Counter
	promRiskCacheHits   prometheus.Counter
	promUpstreamErrors  prometheus.Counter
	promAPIRequests     *prometheus.CounterVec
	promStreamRequests  *prometheus.CounterVec
	promEventsDropped   prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec
	PromRiskDuration    prometheus.Histogram
	PromTokenDuration   prometheus.Histogram
	PromUpstreamActive  prometheus.Gauge

	// StoreHealthy flips to 0 when the token/risk store becomes unreachable.
	StoreHealthy prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promTokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "tokens_issued_total",
			Help:      "Total number of session tokens issued.",
		}),
		promTokensValidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "tokens_validated_total",
			Help:      "Total number of successful token validations.",
		}),
		promTokensRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "tokens_rejected_total",
			Help:      "Total number of rejected token validations.",
		}, []string{"reason"}),
		promRiskAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "risk_allowed_total",
			Help:      "Total number of addresses the risk evaluator allowed.",
		}),
		promRiskBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "risk_blocked_total",
			Help:      "Total number of addresses the risk evaluator blocked.",
		}, []string{"reason"}),
		promRiskLookupErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "risk_lookup_errors_total",
			Help:      "Total number of risk provider lookup failures.",
		}),
		promRiskCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "risk_cache_hits_total",
			Help:      "Total number of risk verdicts served from the cache.",
		}),
		promUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "upstream_errors_total",
			Help:      "Total number of failed upstream requests.",
		}),
		promAPIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "api_requests_total",
			Help:      "Total relayed player API requests per action.",
		}, []string{"action"}),
		promStreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "stream_requests_total",
			Help:      "Total relayed media stream requests per kind.",
		}, []string{"kind"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "streamveil",
			Name:      "audit_events_dropped_total",
			Help:      "Total audit events dropped because the buffer was full.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamveil",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromRiskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamveil",
			Name:      "risk_evaluation_duration_seconds",
			Help:      "Risk evaluation duration in seconds, cache hits included.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromTokenDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamveil",
			Name:      "token_validation_duration_seconds",
			Help:      "Token validation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromUpstreamActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamveil",
			Name:      "upstream_active_streams",
			Help:      "Number of media streams currently being relayed.",
		}),
		StoreHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamveil",
			Name:      "store_healthy",
			Help:      "1 when the token/risk store answers pings, 0 otherwise.",
		}),
	}
	m.StoreHealthy.Set(1)

	return m
}

// IncTokensIssued increments the issued-token counter.
func (m *Metrics) IncTokensIssued() {
	atomic.AddInt64(&m.tokensIssued, 1)
	m.promTokensIssued.Inc()
}

// IncTokensValidated increments the successful-validation counter.
func (m *Metrics) IncTokensValidated() {
	atomic.AddInt64(&m.tokensValidated, 1)
	m.promTokensValidated.Inc()
}

// IncTokensRejected increments the rejected-validation counter. The reason
// label is one of the token rejection reason codes, a bounded set.
func (m *Metrics) IncTokensRejected(reason string) {
	atomic.AddInt64(&m.tokensRejected, 1)
	m.promTokensRejected.WithLabelValues(reason).Inc()
}

// IncRiskAllowed increments the risk-allowed counter.
func (m *Metrics) IncRiskAllowed() {
	atomic.AddInt64(&m.riskAllowed, 1)
	m.promRiskAllowed.Inc()
}

// IncRiskBlocked increments the risk-blocked counter per reason code.
func (m *Metrics) IncRiskBlocked(reason string) {
	atomic.AddInt64(&m.riskBlocked, 1)
	m.promRiskBlocked.WithLabelValues(reason).Inc()
}

// IncRiskLookupErrors increments the provider lookup failure counter.
func (m *Metrics) IncRiskLookupErrors() {
	atomic.AddInt64(&m.riskLookupErrors, 1)
	m.promRiskLookupErrs.Inc()
}

// IncRiskCacheHits increments the risk verdict cache hit counter.
func (m *Metrics) IncRiskCacheHits() {
	atomic.AddInt64(&m.riskCacheHits, 1)
	m.promRiskCacheHits.Inc()
}

// SetStoreHealthy records store reachability: 1 healthy, 0 unreachable.
// Wired as the store's health-change hook.
func (m *Metrics) SetStoreHealthy(healthy bool) {
	if healthy {
		m.StoreHealthy.Set(1)
	} else {
		m.StoreHealthy.Set(0)
	}
}

// IncUpstreamErrors increments the upstream failure counter.
func (m *Metrics) IncUpstreamErrors() {
	atomic.AddInt64(&m.upstreamErrors, 1)
	m.promUpstreamErrors.Inc()
}

// IncAPIRequests increments the per-action API relay counter. Actions are a
// bounded vocabulary fixed by the upstream API, so a label is safe.
func (m *Metrics) IncAPIRequests(action string) {
	if action == "" {
		action = "unknown"
	}
	m.promAPIRequests.WithLabelValues(action).Inc()
}

// IncStreamRequests increments the per-kind stream relay counter.
func (m *Metrics) IncStreamRequests(kind string) {
	m.promStreamRequests.WithLabelValues(kind).Inc()
}

// IncEventsDropped increments the dropped audit event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	TokensIssued     int64
	TokensValidated  int64
	TokensRejected   int64
	RiskAllowed      int64
	RiskBlocked      int64
	RiskLookupErrors int64
	RiskCacheHits    int64
	UpstreamErrors   int64
	EventsDropped    int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TokensIssued:     atomic.LoadInt64(&m.tokensIssued),
		TokensValidated:  atomic.LoadInt64(&m.tokensValidated),
		TokensRejected:   atomic.LoadInt64(&m.tokensRejected),
		RiskAllowed:      atomic.LoadInt64(&m.riskAllowed),
		RiskBlocked:      atomic.LoadInt64(&m.riskBlocked),
		RiskLookupErrors: atomic.LoadInt64(&m.riskLookupErrors),
		RiskCacheHits:    atomic.LoadInt64(&m.riskCacheHits),
		UpstreamErrors:   atomic.LoadInt64(&m.upstreamErrors),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
	}
}
