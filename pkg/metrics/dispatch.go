package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics records outbox dispatch and saga outcomes.
type DispatchMetrics struct {
	publishDuration *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	successes       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	sagaSteps       *prometheus.CounterVec
}

// NewDispatchMetrics registers the dispatch metrics on the provided registerer.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	publishDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_publish_duration_seconds",
		Help:    "Duration of broker publish attempts in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatch_attempts_total",
		Help: "Dispatch attempts per topic.",
	}, []string{"topic"})
	successes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatch_success_total",
		Help: "Successful dispatches per topic.",
	}, []string{"topic"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dispatch_failure_total",
		Help: "Failed dispatch attempts per topic.",
	}, []string{"topic"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dead_letter_total",
		Help: "Records moved to the dead-letter state.",
	}, []string{"topic", "reason"})
	sagaSteps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_outcomes_total",
		Help: "Saga step outcomes by saga type.",
	}, []string{"saga_type", "outcome"})
	reg.MustRegister(publishDuration, attempts, successes, failures, deadLetters, sagaSteps)
	return &DispatchMetrics{
		publishDuration: publishDuration,
		attempts:        attempts,
		successes:       successes,
		failures:        failures,
		deadLetters:     deadLetters,
		sagaSteps:       sagaSteps,
	}
}

// ObservePublish records the latency of one publish attempt.
func (m *DispatchMetrics) ObservePublish(topic string, duration time.Duration) {
	if m == nil || m.publishDuration == nil {
		return
	}
	m.publishDuration.WithLabelValues(normalizeLabel(topic)).Observe(duration.Seconds())
}

// IncAttempt increments the attempt counter for the topic.
func (m *DispatchMetrics) IncAttempt(topic string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(topic)).Inc()
}

// IncSuccess increments the success counter for the topic.
func (m *DispatchMetrics) IncSuccess(topic string) {
	if m == nil || m.successes == nil {
		return
	}
	m.successes.WithLabelValues(normalizeLabel(topic)).Inc()
}

// IncFailure increments the failure counter for the topic.
func (m *DispatchMetrics) IncFailure(topic string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(topic)).Inc()
}

// IncDeadLetter increments the dead-letter counter.
func (m *DispatchMetrics) IncDeadLetter(topic, reason string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(normalizeLabel(topic), normalizeLabel(reason)).Inc()
}

// IncSagaStep increments the saga step outcome counter.
func (m *DispatchMetrics) IncSagaStep(sagaType, outcome string) {
	if m == nil || m.sagaSteps == nil {
		return
	}
	m.sagaSteps.WithLabelValues(normalizeLabel(sagaType), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
