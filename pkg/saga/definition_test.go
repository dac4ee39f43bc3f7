package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupsPartitionsConsecutiveParallelSteps(t *testing.T) {
	def := &Definition{
		SagaType: "order.notify",
		Steps: []Step{
			{Name: "a", Command: "a.do"},
			{Name: "b1", Command: "b1.do", ParallelGroup: "fanout"},
			{Name: "b2", Command: "b2.do", ParallelGroup: "fanout"},
			{Name: "c", Command: "c.do"},
			{Name: "d1", Command: "d1.do", ParallelGroup: "fanout"},
		},
	}

	groups := def.groups()
	require.Len(t, groups, 4)
	assert.Len(t, groups[0], 1)
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)
	// a repeated tag after a break opens a fresh group
	assert.Len(t, groups[3], 1)
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	registry := NewRegistry()

	require.Error(t, registry.Register(nil))
	require.Error(t, registry.Register(&Definition{SagaType: "empty.saga"}))
	require.Error(t, registry.Register(&Definition{
		SagaType: "bad.saga",
		Steps:    []Step{{Name: "a"}},
	}))
	require.Error(t, registry.Register(&Definition{
		SagaType: "dup.saga",
		Steps: []Step{
			{Name: "a", Command: "a.do"},
			{Name: "a", Command: "a.again"},
		},
	}))
}

func TestRegistryRejectsDuplicateSagaType(t *testing.T) {
	registry := NewRegistry()
	def := &Definition{
		SagaType: "order.checkout",
		Steps:    []Step{{Name: "a", Command: "a.do"}},
	}

	require.NoError(t, registry.Register(def))
	require.Error(t, registry.Register(def))

	got, ok := registry.Get("order.checkout")
	require.True(t, ok)
	assert.Equal(t, "order.checkout", got.SagaType)
}
