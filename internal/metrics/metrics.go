// Package metrics exposes Prometheus instrumentation for the gateway. A nil *Metrics is a no-op.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config sets constant labels.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics groups the gateway collectors.
type Metrics struct {
	attempts     *prometheus.CounterVec
	attemptTime  *prometheus.HistogramVec
	results      *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	cacheReads   *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
}

// New registers the collectors on registerer, the default registerer when nil.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "storefront-gateway"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storefront_upstream_attempts_total",
			Help:        "Upstream call attempts by route and outcome.",
			ConstLabels: constLabels,
		},
		[]string{"api", "route", "outcome"}, // success | transport_error | business_error | error
	)

	attemptTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "storefront_upstream_attempt_seconds",
			Help:        "Latency of individual upstream attempts.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 12},
			ConstLabels: constLabels,
		},
		[]string{"api", "route"},
	)

	results := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storefront_upstream_results_total",
			Help:        "Resolved executor calls by data source.",
			ConstLabels: constLabels,
		},
		[]string{"api", "source"}, // upstream | cache | degraded | error
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "storefront_breaker_state",
			Help:        "Circuit state per upstream: 0 closed, 1 half-open, 2 open.",
			ConstLabels: constLabels,
		},
		[]string{"api"},
	)

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storefront_breaker_transitions_total",
			Help:        "Circuit state transitions.",
			ConstLabels: constLabels,
		},
		[]string{"api", "to"},
	)

	cacheReads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storefront_inventory_cache_reads_total",
			Help:        "Inventory reads by cache result.",
			ConstLabels: constLabels,
		},
		[]string{"result"}, // hit | miss | stale
	)

	webhooks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "storefront_webhook_deliveries_total",
			Help:        "Payment webhook deliveries by event type and outcome.",
			ConstLabels: constLabels,
		},
		[]string{"event_type", "outcome"},
	)

	registerer.MustRegister(attempts, attemptTime, results, breakerState, transitions, cacheReads, webhooks)

	return &Metrics{
		attempts:     attempts,
		attemptTime:  attemptTime,
		results:      results,
		breakerState: breakerState,
		transitions:  transitions,
		cacheReads:   cacheReads,
		webhooks:     webhooks,
	}
}

// ObserveAttempt records one upstream attempt.
func (m *Metrics) ObserveAttempt(api, route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(api, route, outcome).Inc()
	m.attemptTime.WithLabelValues(api, route).Observe(elapsed.Seconds())
}

// IncResult records how an executor call was resolved.
func (m *Metrics) IncResult(api, source string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(api, source).Inc()
}

// SetBreakerState publishes the current circuit state.
func (m *Metrics) SetBreakerState(api, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(api).Set(value)
	m.transitions.WithLabelValues(api, state).Inc()
}

// IncCacheRead counts an inventory read.
func (m *Metrics) IncCacheRead(result string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(result).Inc()
}

// IncWebhook counts a webhook delivery.
func (m *Metrics) IncWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}
