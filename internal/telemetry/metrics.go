// Package telemetry provides observability primitives for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	KeysAvailable    prometheus.Gauge
	QueueDepth       prometheus.Gauge
	TokensProcessed  *prometheus.CounterVec
	TraceQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "upstream_errors_total",
			Help:      "Total upstream failures by kind.",
		}, []string{"kind"}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "retries_total",
			Help:      "Total retry attempts by trigger kind.",
		}, []string{"kind"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		KeysAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "keys_available",
			Help:      "Number of credentials currently eligible for selection.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "queue_depth",
			Help:      "Number of requests waiting in the admission queue.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		TraceQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "trace_queue_length",
			Help:      "Current number of queued trace records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.Retries,
		m.RateLimitRejects,
		m.KeysAvailable,
		m.QueueDepth,
		m.TokensProcessed,
		m.TraceQueueLength,
	)

	return m
}
