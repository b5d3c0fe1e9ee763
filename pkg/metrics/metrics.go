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
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// OrchestratorRequestDuration tracks calls to the orchestrator task API.
	OrchestratorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_request_duration_seconds",
			Help:    "Orchestrator API call duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "outcome"},
	)

	// TaskPollsTotal counts status polls issued while waiting on a task.
	TaskPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_task_polls_total",
			Help: "Status polls issued for asynchronous tasks",
		},
		[]string{"status"},
	)

	// TaskWaitDuration tracks how long polled tasks took to settle.
	TaskWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_task_wait_seconds",
			Help:    "Time spent polling a task until it settled",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// RelaySessionsTotal counts relay sessions by completion path and outcome.
	RelaySessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "Relay sessions by completion path and outcome",
		},
		[]string{"path", "outcome"},
	)

	// AdmissionsTotal counts turn admission decisions.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admissions_total",
			Help: "Turn admission decisions made by the rate limiter",
		},
		[]string{"decision"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MalformedEventsTotal counts stream fragments that were not valid JSON events.
	MalformedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sse_malformed_events_total",
			Help: "Stream fragments kept as literal content because they were not valid events",
		},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks total messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)

	// LLMTokensTotal tracks tokens spent generating conversation titles.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordOrchestratorCall records one orchestrator API round trip.
func RecordOrchestratorCall(endpoint, outcome string, duration float64) {
	OrchestratorRequestDuration.WithLabelValues(endpoint, outcome).Observe(duration)
}

// RecordTaskWait records the time a polled task took to settle.
func RecordTaskWait(outcome string, duration float64) {
	TaskWaitDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordRelaySession records the outcome of one relay session.
func RecordRelaySession(path, outcome string) {
	RelaySessionsTotal.WithLabelValues(path, outcome).Inc()
}

// RecordAdmission records a rate limiter decision.
func RecordAdmission(admitted bool) {
	if admitted {
		AdmissionsTotal.WithLabelValues("admitted").Inc()
		return
	}
	AdmissionsTotal.WithLabelValues("denied").Inc()
}

// RecordLLMUsage records token usage for an LLM call.
func RecordLLMUsage(model string, tokensIn, tokensOut int) {
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
