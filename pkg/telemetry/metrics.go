// Package telemetry exposes the gateway's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the gateway emits. It uses its own registry
// so tests can build collectors side by side.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	InvocationCount    *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	ChannelsActive prometheus.Gauge
	FramesDropped  prometheus.Counter
}

// NewCollector creates and registers the gateway metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sessions_active",
			Help: "Live backend sessions",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_opened_total",
			Help: "Backend sessions established",
		}),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_sessions_closed_total",
				Help: "Backend sessions torn down",
			},
			[]string{"reason"},
		),

		InvocationCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_invocations_total",
				Help: "JSON-RPC calls brokered to backends",
			},
			[]string{"server", "outcome"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_invocation_duration_seconds",
				Help:    "Backend call latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server"},
		),

		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_sse_channels_active",
			Help: "Open client SSE channels",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sse_frames_dropped_total",
			Help: "Outbound frames dropped on saturated client channels",
		}),
	}

	c.registry.MustRegister(
		c.SessionsActive,
		c.SessionsOpened,
		c.SessionsClosed,
		c.InvocationCount,
		c.InvocationDuration,
		c.ChannelsActive,
		c.FramesDropped,
	)
	return c
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionOpened records a freshly established backend session.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsOpened.Inc()
	c.SessionsActive.Inc()
}

// SessionClosed records a torn-down backend session.
func (c *Collector) SessionClosed(reason string) {
	if c == nil {
		return
	}
	c.SessionsClosed.WithLabelValues(reason).Inc()
	c.SessionsActive.Dec()
}

// ObserveInvocation records one brokered call.
func (c *Collector) ObserveInvocation(server, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.InvocationCount.WithLabelValues(server, outcome).Inc()
	c.InvocationDuration.WithLabelValues(server).Observe(d.Seconds())
}

// ChannelOpened records a new client SSE channel.
func (c *Collector) ChannelOpened() {
	if c == nil {
		return
	}
	c.ChannelsActive.Inc()
}

// ChannelClosed records a finished client SSE channel.
func (c *Collector) ChannelClosed() {
	if c == nil {
		return
	}
	c.ChannelsActive.Dec()
}

// FrameDropped records an outbound frame lost to backpressure.
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.FramesDropped.Inc()
}
