package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the scheduler. Registered once on the default
// registry; callers expose them via promhttp if they want scraping.
var (
	metricRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "rounds_total",
		Help:      "Total scheduler rounds executed",
	})

	metricHandlerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "handler_calls_total",
		Help:      "Total batched handler invocations",
	}, []string{"handler"})

	metricBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "batch_size",
		Help:      "Signals per handler invocation",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"handler"})

	metricHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "handler_duration_seconds",
		Help:      "Latency of batched handler invocations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"handler"})

	metricRuleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "rule_failures_total",
		Help:      "Rule executions finished with a domain failure",
	})

	metricProtocolFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sigil",
		Subsystem: "engine",
		Name:      "protocol_faults_total",
		Help:      "Scheduler runs aborted by a protocol fault",
	}, []string{"code"})
)
