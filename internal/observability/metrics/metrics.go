package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "starkagent"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests handled by the gateway.",
	}, []string{"handler", "method", "code"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	toolInvocations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "invocations_total",
		Help:      "Tool invocations by tool and result status.",
	}, []string{"tool", "status"})

	toolLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	toolCacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "cache_hits_total",
		Help:      "Tool results served from the result cache.",
	}, []string{"tool"})

	tasksProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "processed_total",
		Help:      "Tasks processed by kind and terminal status.",
	}, []string{"kind", "status"})

	agentRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Agent executions by agent and outcome.",
	}, []string{"agent", "outcome"})

	ingestChunks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "chunks_total",
		Help:      "Chunks embedded and stored per agent.",
	}, []string{"agent"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveToolInvocation records one registry invocation.
func ObserveToolInvocation(tool, status string, duration time.Duration) {
	toolInvocations.WithLabelValues(tool, status).Inc()
	toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveToolCacheHit counts a cached tool result.
func ObserveToolCacheHit(tool string) {
	toolCacheHits.WithLabelValues(tool).Inc()
}

// ObserveTask records a task reaching a terminal status.
func ObserveTask(kind, status string) {
	tasksProcessed.WithLabelValues(kind, status).Inc()
}

// ObserveAgentRun records the outcome of an agent execution.
func ObserveAgentRun(agent, outcome string) {
	agentRuns.WithLabelValues(agent, outcome).Inc()
}

// ObserveIngestChunks adds n stored chunks for an agent.
func ObserveIngestChunks(agent string, n int) {
	ingestChunks.WithLabelValues(agent).Add(float64(n))
}

// Gatherer exposes the underlying registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
