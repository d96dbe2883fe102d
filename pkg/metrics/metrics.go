// Package metrics exposes Prometheus collectors for the collaboration engine
// and the channel hub. All recording methods are safe on a nil *Collector so
// components can run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for inbound or outbound ephemeral events.
const (
	ReasonRateLimited = "rate_limited"
	ReasonSelfEcho    = "self_echo"
	ReasonInvalid     = "invalid"
	ReasonSuppressed  = "suppressed"
	ReasonSlowClient  = "slow_client"
	ReasonFlood       = "flood"
)

// Collector holds all Prometheus metrics for one process.
type Collector struct {
	registry *prometheus.Registry

	BroadcastsSent    *prometheus.CounterVec
	BroadcastsDropped *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	PersistWrites     *prometheus.CounterVec
	PersistDuration   prometheus.Histogram
	Connections       prometheus.Gauge
	Participants      *prometheus.GaugeVec
}

// New creates a collector registered on its own registry.
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		BroadcastsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_sent_total",
				Help:      "Ephemeral broadcasts sent, by event name",
			},
			[]string{"event"},
		),
		BroadcastsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_dropped_total",
				Help:      "Ephemeral events dropped before delivery or application, by reason",
			},
			[]string{"reason"},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_received_total",
				Help:      "Frames received from channel connections, by frame type",
			},
			[]string{"type"},
		),
		PersistWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_writes_total",
				Help:      "Durable graph writes, by result",
			},
			[]string{"result"},
		),
		PersistDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persist_write_duration_seconds",
				Help:      "Durable graph write latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_connections",
				Help:      "Currently open channel connections",
			},
		),
		Participants: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_participants",
				Help:      "Participants present per channel",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		c.BroadcastsSent,
		c.BroadcastsDropped,
		c.FramesReceived,
		c.PersistWrites,
		c.PersistDuration,
		c.Connections,
		c.Participants,
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BroadcastSent(event string) {
	if c == nil {
		return
	}
	c.BroadcastsSent.WithLabelValues(event).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.BroadcastsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) FrameReceived(frameType string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(frameType).Inc()
}

// WriteDone records the outcome of one durable write.
func (c *Collector) WriteDone(err error, took time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.PersistWrites.WithLabelValues(result).Inc()
	c.PersistDuration.Observe(took.Seconds())
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.Connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.Connections.Dec()
}

func (c *Collector) SetParticipants(channel string, n int) {
	if c == nil {
		return
	}
	c.Participants.WithLabelValues(channel).Set(float64(n))
}
