package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the two activity streams the core produces:
// tool executions and model calls. Registered on the default registerer so
// any caller that mounts promhttp exposes them without extra wiring.
var (
	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corectl_tool_executions_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corectl_tool_execution_duration_seconds",
		Help:    "Wall-clock duration of tool executions.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	modelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corectl_llm_requests_total",
		Help: "Completed LLM calls by provider and model.",
	}, []string{"provider", "model"})

	modelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corectl_llm_tokens_total",
		Help: "Tokens consumed by direction (input/output).",
	}, []string{"provider", "model", "direction"})

	modelCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corectl_llm_cost_usd_total",
		Help: "Estimated spend in USD.",
	}, []string{"provider", "model"})
)

// RecordToolExecution counts one finished tool call and its duration.
func RecordToolExecution(tool string, d time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	toolExecutions.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordModelUsage counts one finished LLM call.
func RecordModelUsage(provider, model string, inputTokens, outputTokens int64, costUSD float64) {
	if provider == "" && model == "" {
		return
	}
	modelRequests.WithLabelValues(provider, model).Inc()
	modelTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	modelTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		modelCost.WithLabelValues(provider, model).Add(costUSD)
	}
}
