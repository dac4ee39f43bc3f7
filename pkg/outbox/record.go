package outbox

import (
	"encoding/json"
	"time"

	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
)

// NewRecord converts a validated envelope into an outbox row. The full
// envelope is stored as the payload so the dispatcher can republish it
// byte-for-byte; the routing columns are denormalized for claim ordering and
// uniqueness constraints.
func NewRecord(env *event.Envelope, topicPrefix string, now time.Time) (*models.OutboxRecord, error) {
	if env == nil {
		return nil, appErrors.New(appErrors.CodeValidation, "envelope is required")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeValidation, err, "marshalling envelope")
	}

	record := &models.OutboxRecord{
		ID:            env.EventID,
		EventType:     env.EventType,
		Topic:         env.Topic(topicPrefix),
		Priority:      env.Priority,
		CorrelationID: env.Metadata.CorrelationID,
		CausationID:   env.Metadata.CausationID,
		Payload:       payload,
		Status:        enums.OutboxPending,
		NextAttemptAt: now,
	}
	if env.Metadata.HasAggregate() {
		aggType := env.Metadata.AggregateType
		aggID := env.Metadata.AggregateID
		version := env.Metadata.AggregateVersion
		record.AggregateType = &aggType
		record.AggregateID = &aggID
		record.AggregateVersion = &version
	}
	return record, nil
}

// EnvelopeFromRecord decodes the stored envelope from an outbox row.
func EnvelopeFromRecord(record *models.OutboxRecord) (*event.Envelope, error) {
	if record == nil {
		return nil, appErrors.New(appErrors.CodeValidation, "record is required")
	}
	var env event.Envelope
	if err := json.Unmarshal(record.Payload, &env); err != nil {
		return nil, appErrors.Wrap(appErrors.CodeValidation, err, "decoding outbox payload")
	}
	return &env, nil
}
