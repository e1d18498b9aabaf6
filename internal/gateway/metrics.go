package gateway

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the gateway's counter collector. Counters are plain atomics so
// hot paths never contend; the Prometheus exposition reads them through the
// Collector bridge below.
type Metrics struct {
	BroadcastsTotal           atomic.Uint64
	BroadcastsFailed          atomic.Uint64
	BroadcastFailedRecipients atomic.Uint64
	BroadcastsRateLimited     atomic.Uint64

	ConnRejectedLimit     atomic.Uint64
	ConnRejectedRateLimit atomic.Uint64
	ConnRejectedAuth      atomic.Uint64
	ConnTimeouts          atomic.Uint64

	EventsProcessed       atomic.Uint64
	EventsDropped         atomic.Uint64
	EventsInvalidSchema   atomic.Uint64
	EventCallbackTimeouts atomic.Uint64

	LocksCleaned atomic.Uint64
}

func NewMetrics() *Metrics { return &Metrics{} }

// Collector bridges the atomic counters, circuit breaker state and drop
// tracker stats into a Prometheus exposition.
type Collector struct {
	m       *Metrics
	breaker *CircuitBreaker
	drops   *DropTracker
	live    func() int

	descs map[string]*prometheus.Desc
}

func NewCollector(m *Metrics, breaker *CircuitBreaker, drops *DropTracker, live func() int) *Collector {
	names := []string{
		"gateway_broadcasts_total",
		"gateway_broadcasts_failed_total",
		"gateway_broadcast_failed_recipients_total",
		"gateway_broadcasts_rate_limited_total",
		"gateway_connections_rejected_limit_total",
		"gateway_connections_rejected_rate_limit_total",
		"gateway_connections_rejected_auth_total",
		"gateway_connection_timeouts_total",
		"gateway_events_processed_total",
		"gateway_events_dropped_total",
		"gateway_events_invalid_schema_total",
		"gateway_event_callback_timeouts_total",
		"gateway_locks_cleaned_total",
		"gateway_circuit_breaker_state",
		"gateway_circuit_breaker_rejected_total",
		"gateway_event_drop_rate",
		"gateway_live_connections",
	}
	descs := make(map[string]*prometheus.Desc, len(names))
	for _, n := range names {
		descs[n] = prometheus.NewDesc(n, n, nil, nil)
	}
	return &Collector{m: m, breaker: breaker, drops: drops, live: live, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	gauge := func(name string, v float64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.GaugeValue, v)
	}

	counter("gateway_broadcasts_total", c.m.BroadcastsTotal.Load())
	counter("gateway_broadcasts_failed_total", c.m.BroadcastsFailed.Load())
	counter("gateway_broadcast_failed_recipients_total", c.m.BroadcastFailedRecipients.Load())
	counter("gateway_broadcasts_rate_limited_total", c.m.BroadcastsRateLimited.Load())
	counter("gateway_connections_rejected_limit_total", c.m.ConnRejectedLimit.Load())
	counter("gateway_connections_rejected_rate_limit_total", c.m.ConnRejectedRateLimit.Load())
	counter("gateway_connections_rejected_auth_total", c.m.ConnRejectedAuth.Load())
	counter("gateway_connection_timeouts_total", c.m.ConnTimeouts.Load())
	counter("gateway_events_processed_total", c.m.EventsProcessed.Load())
	counter("gateway_events_dropped_total", c.m.EventsDropped.Load())
	counter("gateway_events_invalid_schema_total", c.m.EventsInvalidSchema.Load())
	counter("gateway_event_callback_timeouts_total", c.m.EventCallbackTimeouts.Load())
	counter("gateway_locks_cleaned_total", c.m.LocksCleaned.Load())

	if c.breaker != nil {
		stats := c.breaker.Stats()
		gauge("gateway_circuit_breaker_state", float64(c.breaker.State()))
		counter("gateway_circuit_breaker_rejected_total", stats.RejectedCalls)
	}
	if c.drops != nil {
		gauge("gateway_event_drop_rate", c.drops.Stats().Rate)
	}
	if c.live != nil {
		gauge("gateway_live_connections", float64(c.live()))
	}
}
