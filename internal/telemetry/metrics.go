package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the workflow engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	oracleCalls    *prometheus.CounterVec
	oracleLatency  *prometheus.HistogramVec
	oracleRetries  *prometheus.CounterVec
	oracleCacheHit prometheus.Counter

	taskAttempts *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	decisions    *prometheus.CounterVec
	cycles       prometheus.Counter

	workflows       *prometheus.CounterVec
	workflowLatency prometheus.Histogram
	confidence      prometheus.Histogram
	clarifyRounds   prometheus.Histogram
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "nuka_flow"
	return &Metrics{
		oracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "oracle", Name: "calls_total",
			Help: "Oracle calls by role and outcome.",
		}, []string{"role", "outcome"}),
		oracleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "oracle", Name: "latency_seconds",
			Help:    "Oracle call latency including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"role"}),
		oracleRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "oracle", Name: "retries_total",
			Help: "Transient oracle failures that were retried.",
		}, []string{"role"}),
		oracleCacheHit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "oracle", Name: "cache_hits_total",
			Help: "Oracle calls answered from the response cache.",
		}),
		taskAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "executor", Name: "task_attempts_total",
			Help: "Task execution attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "executor", Name: "task_duration_seconds",
			Help:    "Wall time per task including critique retries.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"source"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "decision", Name: "total",
			Help: "Retry/proceed decisions by reason.",
		}, []string{"reason"}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "executor", Name: "circular_dependencies_total",
			Help: "Plans halted because no pending task could become ready.",
		}),
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "workflow", Name: "total",
			Help: "Finished workflows by outcome.",
		}, []string{"outcome"}),
		workflowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "workflow", Name: "duration_seconds",
			Help:    "End-to-end workflow duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		confidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "confidence", Name: "overall",
			Help:    "Overall confidence of incoming requests.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		clarifyRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "confidence", Name: "clarification_rounds",
			Help:    "Clarification rounds used per workflow.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOracleCall records one logical oracle call.
func (m *Metrics) ObserveOracleCall(role string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(role, outcome(err)).Inc()
	m.oracleLatency.WithLabelValues(role).Observe(d.Seconds())
}

// IncOracleRetry counts a retried oracle failure.
func (m *Metrics) IncOracleRetry(role string) {
	if m == nil {
		return
	}
	m.oracleRetries.WithLabelValues(role).Inc()
}

// IncOracleCacheHit counts a cached oracle answer.
func (m *Metrics) IncOracleCacheHit() {
	if m == nil {
		return
	}
	m.oracleCacheHit.Inc()
}

// ObserveTaskAttempt records one runner invocation.
func (m *Metrics) ObserveTaskAttempt(source string, err error) {
	if m == nil {
		return
	}
	m.taskAttempts.WithLabelValues(source, outcome(err)).Inc()
}

// ObserveTask records the total time spent on one task.
func (m *Metrics) ObserveTask(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncDecision counts a decision by reason.
func (m *Metrics) IncDecision(reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(reason).Inc()
}

// IncCircularDependency counts a halted plan.
func (m *Metrics) IncCircularDependency() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// ObserveWorkflow records a finished workflow.
func (m *Metrics) ObserveWorkflow(success bool, d time.Duration, confidence float64, rounds int) {
	if m == nil {
		return
	}
	label := "failed"
	if success {
		label = "succeeded"
	}
	m.workflows.WithLabelValues(label).Inc()
	m.workflowLatency.Observe(d.Seconds())
	m.confidence.Observe(confidence)
	m.clarifyRounds.Observe(float64(rounds))
}
