// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StoreOpDuration tracks conversation store latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_store_op_duration_seconds",
			Help:    "Conversation store operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op", "outcome"},
	)

	// LLMRequestDuration tracks assistant completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_llm_request_duration_seconds",
			Help:    "Assistant completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ActiveSockets tracks sockets registered with the room hub.
	ActiveSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_sockets_active",
			Help: "Number of sockets connected to the room hub",
		},
	)

	// EventsDropped counts realtime events dropped for slow sockets.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_events_dropped_total",
			Help: "Realtime events dropped because a socket buffer was full",
		},
		[]string{"type"},
	)

	// PublishFailures counts notifications that could not be published after
	// the write succeeded.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_publish_failures_total",
			Help: "Failed realtime or activity publishes",
		},
		[]string{"target"},
	)

	// ActivityStreamMessages tracks messages in the activity stream.
	ActivityStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "support_activity_stream_messages",
			Help: "Number of messages in the activity stream",
		},
		[]string{"stream"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_conversations_total",
			Help: "Total conversations created",
		},
		[]string{"owner_role"},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_messages_total",
			Help: "Total messages sent",
		},
		[]string{"role"},
	)

	// TransitionsTotal tracks conversation status changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_transitions_total",
			Help: "Conversation status transitions",
		},
		[]string{"from", "to"},
	)

	// EscalationsTotal counts assistant conversations handed to staff.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_escalations_total",
			Help: "Assistant conversations escalated to human support",
		},
		[]string{"reason"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreOp records the duration of a store operation started at start.
func RecordStoreOp(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// RecordLLMRequest records metrics for an assistant completion, labelled by
// provider name.
func RecordLLMRequest(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordTransition counts a status change.
func RecordTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
