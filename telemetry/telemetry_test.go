package telemetry

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopWithoutRegistry(t *testing.T) {
	saved := registry
	registry = nil
	defer func() { registry = saved }()

	assert.IsType(t, NoopStat{}, NewCounter("c", "help"))
	assert.IsType(t, NoopStat{}, NewGauge("g", "help"))
	assert.IsType(t, noopCounterVec{}, NewCounterVec("cv", "help", []string{"kind"}))
	assert.Nil(t, GetMetricsHandler())

	// noop metrics accept every call
	NewCounterVec("cv", "help", []string{"kind"}).With("normal").Inc()
	NewHistogramVec("hv", "help", []string{"stage"}, StageLatencyBuckets).With("apply").Observe(1)
}

func TestRegisteredMetricsAreServed(t *testing.T) {
	saved := registry
	registry = prometheus.NewRegistry()
	defer func() { registry = saved }()

	c := NewCounter("test_counter_total", "a test counter")
	c.Add(3)
	NewCounterVec("test_kind_total", "by kind", []string{"kind"}).With("resent").Inc()

	rec := httptest.NewRecorder()
	GetMetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "txncoord_test_counter_total"), body)
	assert.True(t, strings.Contains(body, `kind="resent"`), body)
}

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) Snapshot() Snapshot {
	p.calls.Add(1)
	return Snapshot{PendingTransactions: 3}
}

func TestMetricsCollectorSamples(t *testing.T) {
	p := &countingProvider{}
	mc := NewMetricsCollector(p, 5*time.Millisecond)
	mc.Start()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	mc.Stop()

	after := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no samples after Stop")
}
