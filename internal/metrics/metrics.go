// Package metrics provides Prometheus metrics for the batch runner.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all batch-runner metrics.
	Namespace = "batch_runner"

	subsystemOrchestrator = "orchestrator"
	subsystemAgent        = "agent"
	subsystemEvents       = "events"
	subsystemStorage      = "storage"
)

// Metrics holds the orchestrator metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Execution and job metrics
	ExecutionTransitions *prometheus.CounterVec
	JobsDispatched       prometheus.Counter
	JobOutcomes          *prometheus.CounterVec
	JobsInFlight         prometheus.Gauge
	ClaimsReleased       *prometheus.CounterVec

	// Agent metrics
	AgentCallDuration *prometheus.HistogramVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Storage metrics
	PersistenceRetries *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initOrchestratorMetrics(factory)
	m.initAgentMetrics(factory)
	m.initEventMetrics(factory)
	m.initStorageMetrics(factory)

	return m
}

func (m *Metrics) initOrchestratorMetrics(factory promauto.Factory) {
	m.ExecutionTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemOrchestrator,
			Name:      "execution_transitions_total",
			Help:      "Execution status transitions",
		},
		[]string{"from", "to"},
	)

	m.JobsDispatched = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemOrchestrator,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to the agent",
		},
	)

	m.JobOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemOrchestrator,
			Name:      "job_outcomes_total",
			Help:      "Finished job attempts by status and result or failure category",
		},
		[]string{"status", "reason"},
	)

	m.JobsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: subsystemOrchestrator,
			Name:      "jobs_in_flight",
			Help:      "Agent calls currently running in this process",
		},
	)

	m.ClaimsReleased = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemOrchestrator,
			Name:      "claims_released_total",
			Help:      "Dispatches reverted because the agent was unavailable",
		},
		[]string{"exhausted"},
	)
}

func (m *Metrics) initAgentMetrics(factory promauto.Factory) {
	m.AgentCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: subsystemAgent,
			Name:      "call_duration_seconds",
			Help:      "Duration of agent submissions",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"outcome"},
	)
}

func (m *Metrics) initEventMetrics(factory promauto.Factory) {
	m.EventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemEvents,
			Name:      "published_total",
			Help:      "Events delivered to a sink",
		},
		[]string{"sink", "type"},
	)

	m.EventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemEvents,
			Name:      "dropped_total",
			Help:      "Events dropped by a sink",
		},
		[]string{"sink", "type"},
	)
}

func (m *Metrics) initStorageMetrics(factory promauto.Factory) {
	m.PersistenceRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: subsystemStorage,
			Name:      "retries_total",
			Help:      "Transactions retried after a conflict or storage error",
		},
		[]string{"operation"},
	)
}

// ExecutionTransition records a status change.
func (m *Metrics) ExecutionTransition(from, to string) {
	if m == nil {
		return
	}
	m.ExecutionTransitions.WithLabelValues(from, to).Inc()
}

// JobDispatched records a claim and a new in-flight call.
func (m *Metrics) JobDispatched() {
	if m == nil {
		return
	}
	m.JobsDispatched.Inc()
	m.JobsInFlight.Inc()
}

// AgentCallFinished records the end of an in-flight call.
func (m *Metrics) AgentCallFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.AgentCallDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// JobOutcome records a finished attempt.
func (m *Metrics) JobOutcome(status, reason string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(status, reason).Inc()
}

// ClaimReleased records a dispatch reverted by backpressure.
func (m *Metrics) ClaimReleased(exhausted bool) {
	if m == nil {
		return
	}
	label := "false"
	if exhausted {
		label = "true"
	}
	m.ClaimsReleased.WithLabelValues(label).Inc()
}

// EventPublished records a delivered event.
func (m *Metrics) EventPublished(sink, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(sink, eventType).Inc()
}

// EventDropped records a dropped event.
func (m *Metrics) EventDropped(sink, eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(sink, eventType).Inc()
}

// PersistenceRetry records a retried transaction.
func (m *Metrics) PersistenceRetry(operation string) {
	if m == nil {
		return
	}
	m.PersistenceRetries.WithLabelValues(operation).Inc()
}
