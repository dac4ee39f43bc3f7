package observe

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlo-systems/eventbus/pkg/metrics"
)

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestMetricsEmitterObservesPublishLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	emitter := NewMetricsEmitter(metrics.NewDispatchMetrics(reg))

	emitter.Emit(context.Background(), EventDispatchSuccess, map[string]any{
		"topic":    "eventbus.order",
		"duration": 25 * time.Millisecond,
	})
	emitter.Emit(context.Background(), EventDispatchFailure, map[string]any{
		"topic":    "eventbus.order",
		"duration": 40 * time.Millisecond,
		"error":    "broker timeout",
	})

	family := gatherFamily(t, reg, "outbox_publish_duration_seconds")
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), 1)
	histogram := family.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), histogram.GetSampleCount())
	assert.InDelta(t, 0.065, histogram.GetSampleSum(), 1e-9)
}

func TestMetricsEmitterSkipsLatencyWithoutDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	emitter := NewMetricsEmitter(metrics.NewDispatchMetrics(reg))

	emitter.Emit(context.Background(), EventDispatchSuccess, map[string]any{
		"topic": "eventbus.order",
	})

	family := gatherFamily(t, reg, "outbox_publish_duration_seconds")
	require.NotNil(t, family)
	assert.Empty(t, family.GetMetric())

	counters := gatherFamily(t, reg, "outbox_dispatch_success_total")
	require.NotNil(t, counters)
	require.Len(t, counters.GetMetric(), 1)
	assert.Equal(t, float64(1), counters.GetMetric()[0].GetCounter().GetValue())
}
