package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry(), Config{ServiceName: "test"})

	m.ObserveAttempt("supplier", "direct", "success", 120*time.Millisecond)
	m.ObserveAttempt("supplier", "direct", "success", 80*time.Millisecond)
	m.SetBreakerState("supplier", "open")
	m.IncWebhook("", "rejected")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("supplier", "direct", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("supplier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("unknown", "rejected")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAttempt("a", "b", "c", time.Second)
	m.IncResult("a", "cache")
	m.SetBreakerState("a", "closed")
	m.IncCacheRead("hit")
	m.IncWebhook("x", "y")
}
