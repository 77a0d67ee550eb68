// Package metrics registers Prometheus instrumentation for the bot core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolCalls counts tool-call dispatches by server and outcome. Outcome is
	// "ok" or one of the call error kinds.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basebot",
		Subsystem: "mcp",
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched, by server and outcome.",
	}, []string{"server", "outcome"})

	// ProtocolErrors counts malformed lines received from tool servers.
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basebot",
		Subsystem: "mcp",
		Name:      "protocol_errors_total",
		Help:      "Malformed JSON-RPC lines received, by server.",
	}, []string{"server"})

	// ServerRestarts counts tool-server restart attempts.
	ServerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basebot",
		Subsystem: "mcp",
		Name:      "server_restarts_total",
		Help:      "Tool-server restart attempts, by server.",
	}, []string{"server"})

	// PlannerRuns counts agentic runs by terminal state.
	PlannerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basebot",
		Subsystem: "planner",
		Name:      "runs_total",
		Help:      "Agentic planner runs, by terminal state.",
	}, []string{"state"})

	// PlannerIterations observes iterations consumed per run.
	PlannerIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "basebot",
		Subsystem: "planner",
		Name:      "iterations_per_run",
		Help:      "Iterations consumed per agentic run.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
)
