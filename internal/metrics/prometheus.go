// Package metrics exposes Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	/* Inbound */
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_events_total",
			Help: "Total number of webhook events received",
		},
		[]string{"post_type"},
	)

	authorizationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_authorization_decisions_total",
			Help: "Authorization decisions for inbound messages",
		},
		[]string{"scope", "allowed"},
	)

	/* Agent */
	agentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_runs_total",
			Help: "Total number of agent loop runs",
		},
		[]string{"status"},
	)

	agentRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onebot_agent_run_duration_seconds",
			Help:    "Agent loop duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	modelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_model_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"kind", "status"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_tool_calls_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	summarizationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onebot_agent_summarizations_total",
			Help: "Total number of conversation summarizations",
		},
	)

	/* Outbound */
	outboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_outbound_messages_total",
			Help: "Total number of messages sent to the gateway",
		},
		[]string{"scope", "status"},
	)

	remindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onebot_agent_reminders_total",
			Help: "Reminder jobs by lifecycle outcome",
		},
		[]string{"status"},
	)
)

func RecordEvent(postType string) {
	eventsTotal.WithLabelValues(postType).Inc()
}

func RecordAuthorization(scope string, allowed bool) {
	authorizationTotal.WithLabelValues(scope, strconv.FormatBool(allowed)).Inc()
}

func RecordAgentRun(status string, duration time.Duration) {
	agentRunsTotal.WithLabelValues(status).Inc()
	agentRunDuration.Observe(duration.Seconds())
}

func RecordModelCall(kind, status string) {
	modelCallsTotal.WithLabelValues(kind, status).Inc()
}

func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

func RecordSummarization() {
	summarizationsTotal.Inc()
}

func RecordOutbound(scope, status string) {
	outboundTotal.WithLabelValues(scope, status).Inc()
}

func RecordReminder(status string) {
	remindersTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
