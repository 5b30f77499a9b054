package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	CacheTotal        *prometheus.CounterVec
	SafetyActionTotal *prometheus.CounterVec
	RateLimitHitTotal *prometheus.CounterVec
	OverrideTotal     *prometheus.CounterVec
	StreamEventTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"task", "outcome", "from_cache"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cds_request_duration_ms",
			Help:    "Total request duration in milliseconds (including model latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"task", "provider"}),

		CacheTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_cache_total",
			Help: "Cache lookups by result.",
		}, []string{"task", "result"}),

		SafetyActionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_safety_action_total",
			Help: "Safety validator actions taken.",
		}, []string{"task", "action"}),

		RateLimitHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_rate_limit_hit_total",
			Help: "Requests rejected at admission, by budget.",
		}, []string{"task", "reason"}),

		OverrideTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_override_total",
			Help: "Responses the safety validator edited or replaced.",
		}, []string{"task"}),

		StreamEventTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_stream_event_total",
			Help: "Streaming events emitted, by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) RecordRequest(task, outcome string, fromCache bool, durationMs float64, provider string) {
	cached := "false"
	if fromCache {
		cached = "true"
	}
	m.RequestTotal.WithLabelValues(task, outcome, cached).Inc()
	m.RequestDurationMs.WithLabelValues(task, provider).Observe(durationMs)
}

func (m *Metrics) RecordCache(task, result string) {
	m.CacheTotal.WithLabelValues(task, result).Inc()
}

func (m *Metrics) RecordSafetyAction(task, action string) {
	m.SafetyActionTotal.WithLabelValues(task, action).Inc()
}

func (m *Metrics) RecordRateLimitHit(task, reason string) {
	m.RateLimitHitTotal.WithLabelValues(task, reason).Inc()
}

func (m *Metrics) RecordOverride(task string) {
	m.OverrideTotal.WithLabelValues(task).Inc()
}

func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEventTotal.WithLabelValues(eventType).Inc()
}
