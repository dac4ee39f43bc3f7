package observe

import (
	"context"
	"time"

	"github.com/arlo-systems/eventbus/pkg/metrics"
)

// MetricsEmitter bridges core events into prometheus counters.
type MetricsEmitter struct {
	metrics *metrics.DispatchMetrics
}

func NewMetricsEmitter(m *metrics.DispatchMetrics) *MetricsEmitter {
	return &MetricsEmitter{metrics: m}
}

func (e *MetricsEmitter) Emit(_ context.Context, name string, attrs map[string]any) {
	if e == nil || e.metrics == nil {
		return
	}
	topic := stringAttr(attrs, "topic")
	switch name {
	case EventDispatchAttempt:
		e.metrics.IncAttempt(topic)
	case EventDispatchSuccess:
		e.metrics.IncSuccess(topic)
		if duration, ok := attrs["duration"].(time.Duration); ok {
			e.metrics.ObservePublish(topic, duration)
		}
	case EventDispatchFailure:
		e.metrics.IncFailure(topic)
		if duration, ok := attrs["duration"].(time.Duration); ok {
			e.metrics.ObservePublish(topic, duration)
		}
	case EventDeadLetter:
		e.metrics.IncDeadLetter(topic, stringAttr(attrs, "reason"))
	case EventSagaStepSuccess:
		e.metrics.IncSagaStep(stringAttr(attrs, "saga_type"), "success")
	case EventSagaStepFailure:
		e.metrics.IncSagaStep(stringAttr(attrs, "saga_type"), "failure")
	case EventSagaCompensation:
		e.metrics.IncSagaStep(stringAttr(attrs, "saga_type"), "compensation")
	}
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if val, ok := attrs[key].(string); ok {
		return val
	}
	return ""
}
