// Package metrics holds the Prometheus collectors for the sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private registry plus the collectors registered on it.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	realtimeEvents  *prometheus.CounterVec
	realtimeDropped *prometheus.CounterVec
	cacheMutations  *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	busDrops        prometheus.Counter
	subscriptions   prometheus.Gauge
}

// New creates a registry with process collectors and the chatsync metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		realtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_realtime_events_total",
			Help: "Realtime events dispatched into the channel cache, by kind",
		}, []string{"kind"}),
		realtimeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_realtime_dropped_total",
			Help: "Realtime events dropped before reaching the cache, by reason",
		}, []string{"reason"}),
		cacheMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_cache_mutations_total",
			Help: "Channel cache mutations, by operation and outcome",
		}, []string{"op", "outcome"}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_backend_fetches_total",
			Help: "Backend fetch and mutation calls, by operation and result",
		}, []string{"op", "result"}),
		busDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_bus_dropped_total",
			Help: "Bus events dropped because a subscriber buffer was full",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_realtime_subscriptions",
			Help: "Chats with an open realtime subscription",
		}),
	}
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RealtimeEvent(kind string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) RealtimeDropped(reason string) {
	if m == nil {
		return
	}
	m.realtimeDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheMutation(op string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "unknown_chat"
	}
	m.cacheMutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Fetch(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BusDrop() {
	if m == nil {
		return
	}
	m.busDrops.Inc()
}

func (m *Metrics) Subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}
