// Package metrics wires the orchestration core's counters and histograms
// onto an injected *prometheus.Registry — never a package-level default
// registry — so a single process can run more than one instance side by
// side in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of instruments every component increments or
// observes. Construct one with New and pass it down to whichever
// components need it instead of reaching for a global. The agent runtime
// takes it through its Config.Metrics field and the pipeline executor
// through SetMetrics; both treat a nil *Metrics as "record nothing".
type Metrics struct {
	WorkflowsStarted   prometheus.Counter
	WorkflowsSucceeded prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsCancelled prometheus.Counter

	StagesDispatched *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec

	QualityGateFailures *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec

	AgentTasksProcessed *prometheus.CounterVec
	AgentErrors         *prometheus.CounterVec
}

// New registers every instrument on reg and returns the Metrics handle.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workflow",
			Name:      "started_total",
			Help:      "Total workflows started.",
		}),
		WorkflowsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workflow",
			Name:      "succeeded_total",
			Help:      "Total workflows that reached a succeeded terminal state.",
		}),
		WorkflowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workflow",
			Name:      "failed_total",
			Help:      "Total workflows that reached a failed terminal state.",
		}),
		WorkflowsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workflow",
			Name:      "cancelled_total",
			Help:      "Total workflows cancelled before reaching a terminal state.",
		}),
		StagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "stages_dispatched_total",
			Help:      "Total pipeline stages dispatched, by agent type.",
		}, []string{"agent_type"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds, by agent type and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent_type", "outcome"}),
		QualityGateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "qualitygate",
			Name:      "failures_total",
			Help:      "Total blocking quality-gate failures, by gate name.",
		}, []string{"gate"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open), by callee.",
		}, []string{"callee"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		AgentTasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "agent",
			Name:      "tasks_processed_total",
			Help:      "Total tasks processed by an agent runtime, by agent type.",
		}, []string{"agent_type"}),
		AgentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "agent",
			Name:      "errors_total",
			Help:      "Total task execution errors, by agent type.",
		}, []string{"agent_type"}),
	}

	reg.MustRegister(
		m.WorkflowsStarted,
		m.WorkflowsSucceeded,
		m.WorkflowsFailed,
		m.WorkflowsCancelled,
		m.StagesDispatched,
		m.StageDuration,
		m.QualityGateFailures,
		m.CircuitBreakerState,
		m.RetryAttempts,
		m.AgentTasksProcessed,
		m.AgentErrors,
	)

	return m
}

// BreakerStateValue maps a breaker state name to the gauge value
// CircuitBreakerState expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "CLOSED":
		return 0
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return -1
	}
}
