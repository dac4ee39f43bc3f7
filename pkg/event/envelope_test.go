package event

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

func TestNewAssignsIdentityAndDefaults(t *testing.T) {
	env, err := New("order.created", map[string]string{"order_id": "ord-1"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.NotEmpty(t, env.Metadata.CorrelationID)
	assert.False(t, env.Metadata.Timestamp.IsZero())
	assert.Equal(t, enums.PriorityNormal, env.Priority)

	var payload map[string]string
	require.NoError(t, env.UnmarshalPayload(&payload))
	assert.Equal(t, "ord-1", payload["order_id"])
}

func TestNewAppliesOptions(t *testing.T) {
	env, err := New("order.created", nil,
		WithCorrelationID("corr-1"),
		WithPriority(enums.PriorityCritical),
		WithAggregate("order", "ord-1", 3),
		WithTenantID("tenant-a"),
	)
	require.NoError(t, err)

	assert.Equal(t, "corr-1", env.Metadata.CorrelationID)
	assert.Equal(t, enums.PriorityCritical, env.Priority)
	assert.True(t, env.Metadata.HasAggregate())
	assert.Equal(t, int64(3), env.Metadata.AggregateVersion)
	assert.Equal(t, "tenant-a", env.Metadata.TenantID)
}

func TestNewRejectsMalformedEventTypes(t *testing.T) {
	for _, eventType := range []string{
		"",
		"created",
		"Order.Created",
		"order created",
		"order..created",
		".order.created",
	} {
		_, err := New(eventType, nil)
		require.Error(t, err, "event type %q", eventType)
		assert.True(t, appErrors.HasCode(err, appErrors.CodeValidation))
	}
}

func TestDerivePropagatesCorrelationAndCausation(t *testing.T) {
	parent, err := New("order.created", nil,
		WithCorrelationID("corr-9"),
		WithTenantID("tenant-a"),
	)
	require.NoError(t, err)

	child, err := Derive(parent, "invoice.issued", nil)
	require.NoError(t, err)

	assert.Equal(t, "corr-9", child.Metadata.CorrelationID)
	require.NotNil(t, child.Metadata.CausationID)
	assert.Equal(t, parent.EventID, *child.Metadata.CausationID)
	assert.Equal(t, "tenant-a", child.Metadata.TenantID)
	assert.NotEqual(t, parent.EventID, child.EventID)

	_, err = Derive(nil, "invoice.issued", nil)
	require.Error(t, err)
}

func TestRoutingKeyPrefersAggregateID(t *testing.T) {
	env, err := New("order.created", nil, WithAggregate("order", "ord-1", 1))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", env.RoutingKey())

	plain, err := New("order.created", nil)
	require.NoError(t, err)
	assert.Equal(t, plain.EventID.String(), plain.RoutingKey())
}

func TestTopicDerivesFromFirstSegment(t *testing.T) {
	env, err := New("order.line.added", nil)
	require.NoError(t, err)

	assert.Equal(t, "eventbus.order", env.Topic("eventbus"))
	assert.Equal(t, "order", env.Topic(""))
}

func TestValidateRejectsTamperedEnvelopes(t *testing.T) {
	env, err := New("order.created", nil)
	require.NoError(t, err)

	env.EventID = uuid.Nil
	assert.True(t, appErrors.HasCode(env.Validate(), appErrors.CodeValidation))

	env, err = New("order.created", nil)
	require.NoError(t, err)
	env.Priority = enums.Priority(42)
	assert.True(t, appErrors.HasCode(env.Validate(), appErrors.CodeValidation))
}
