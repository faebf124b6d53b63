// Package metrics provides Prometheus instrumentation for the chat
// service: gauges for connection and presence counts, counters for
// message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineParticipants tracks how many participants currently have at
	// least one live connection.
	OnlineParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_participants",
		Help: "Participants with at least one live connection",
	})

	// MessagesTotal counts send outcomes, labeled "persisted", "failed",
	// or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// DeliveryMisses counts messages persisted but not delivered live
	// (recipient offline or publish failure). These self-heal via
	// history replay.
	DeliveryMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_misses_total",
		Help: "Persisted messages that missed live delivery",
	})

	// SendLatency records the persist path latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Send pipeline latency through persistence",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HistoryLatency records history fetch latency in seconds.
	HistoryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_history_latency_seconds",
		Help:    "History fetch latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingSignals counts typing starts and stops, labeled by kind.
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_typing_signals_total",
		Help: "Typing indicator signals relayed",
	}, []string{"kind"}) // kind = "typing", "stop_typing", "expired"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineParticipants,
		MessagesTotal,
		DeliveryMisses,
		SendLatency,
		HistoryLatency,
		TypingSignals,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
