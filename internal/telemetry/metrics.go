// Package telemetry provides observability primitives for the Shadowfax relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Token refresh outcomes recorded on TokenRefreshes.
const (
	RefreshFresh     = "fresh"     // token still valid, no upstream call
	RefreshRefreshed = "refreshed" // upstream refresh succeeded
	RefreshError     = "error"     // upstream refresh failed
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	DispatchOutcomes *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	FailoversTotal   prometheus.Counter
	TokenRefreshes   *prometheus.CounterVec
	RateLimitMarks   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	StoreRetries     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "dispatch_outcomes_total",
			Help:      "Total proxied requests by terminal outcome.",
		}, []string{"outcome", "account"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "dispatch_duration_seconds",
			Help:                            "Upstream dispatch duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"account", "model"}),

		FailoversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "failovers_total",
			Help:      "Total failover hops to another account.",
		}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "token_refreshes_total",
			Help:      "Total OAuth token refresh checks by result.",
		}, []string{"result"}),

		RateLimitMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "ratelimit_marks_total",
			Help:      "Total rate-limit windows recorded per account.",
		}, []string{"account"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "events_dropped_total",
			Help:      "Total events dropped by slow subscribers.",
		}, []string{"topic"}),

		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "store_retries_total",
			Help:      "Total write retries due to database contention.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.DispatchOutcomes,
		m.DispatchDuration,
		m.FailoversTotal,
		m.TokenRefreshes,
		m.RateLimitMarks,
		m.TokensProcessed,
		m.EventsDropped,
		m.StoreRetries,
	)

	return m
}
