// Package metrics provides Prometheus instrumentation for the Palaver
// backend. It exposes gauges for connection and room counts, counters for
// event throughput, and a histogram for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of rooms with at least one live subscriber.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "palaver_rooms_active",
		Help: "Current number of rooms with live subscribers",
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "broadcast", "persist_failed", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "palaver_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// TypingEventsTotal counts typing indicator events routed by the hub.
	TypingEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "palaver_typing_events_total",
		Help: "Total number of typing events routed",
	})

	// NotificationsTotal counts user notifications pushed over live connections.
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "palaver_notifications_total",
		Help: "Total number of notifications pushed to clients",
	})

	// BroadcastLatency records room fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "palaver_broadcast_latency_seconds",
		Help:    "Room broadcast fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		MessagesTotal,
		TypingEventsTotal,
		NotificationsTotal,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
