// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// GenerationDuration tracks time from send to settled assistant message.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_generation_duration_seconds",
			Help:    "Time from message send until the assistant message settled",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// GenerationsTotal counts settled generations by outcome.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_generations_total",
			Help: "Settled assistant generations by outcome",
		},
		[]string{"outcome"},
	)

	// FallbacksTotal counts non-streaming fallbacks by trigger.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_fallbacks_total",
			Help: "Streaming failures that triggered a single-shot fallback",
		},
		[]string{"reason"},
	)

	// ChunksTotal counts streamed content chunks applied to variants.
	ChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stream_chunks_total",
			Help: "Streamed content chunks applied to message variants",
		},
	)

	// MalformedFramesTotal counts stream frames dropped because they did not parse.
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_stream_malformed_frames_total",
			Help: "Stream frames dropped because their payload did not parse",
		},
	)

	// CompletionCallsTotal counts completion calls per backend, mode and result.
	CompletionCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_completion_calls_total",
			Help: "Completion calls by provider, mode and result",
		},
		[]string{"provider", "mode", "result"},
	)

	// RegenerationsTotal counts regenerate requests by result.
	RegenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_regenerations_total",
			Help: "Regenerate requests by result",
		},
		[]string{"result"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// StoreEventsDropped counts change events dropped for slow subscribers.
	StoreEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_events_dropped_total",
			Help: "Store change events dropped because a subscriber was full",
		},
	)

	// PersistErrorsTotal counts failed snapshot saves.
	PersistErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_persist_errors_total",
			Help: "Failed snapshot loads and saves",
		},
		[]string{"op"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordGeneration records a settled generation.
func RecordGeneration(outcome string, seconds float64) {
	GenerationDuration.WithLabelValues(outcome).Observe(seconds)
	GenerationsTotal.WithLabelValues(outcome).Inc()
}

// RecordCompletionCall records the result of one completion call.
func RecordCompletionCall(provider, mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CompletionCallsTotal.WithLabelValues(provider, mode, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
