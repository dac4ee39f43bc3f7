package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/enums"
)

// OutboxRecord is an event pending broker delivery, written in the same
// transaction as the business data that produced it. The primary key doubles
// as the event ID so duplicate enqueues are rejected by the store.
type OutboxRecord struct {
	ID               uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	EventType        string             `gorm:"column:event_type;not null"`
	Topic            string             `gorm:"column:topic;not null"`
	Priority         enums.Priority     `gorm:"column:priority;type:smallint;not null;default:1"`
	CorrelationID    string             `gorm:"column:correlation_id;not null"`
	CausationID      *uuid.UUID         `gorm:"column:causation_id;type:uuid"`
	AggregateType    *string            `gorm:"column:aggregate_type"`
	AggregateID      *string            `gorm:"column:aggregate_id"`
	AggregateVersion *int64             `gorm:"column:aggregate_version"`
	Payload          json.RawMessage    `gorm:"column:payload;type:jsonb;not null"`
	Status           enums.OutboxStatus `gorm:"column:status;not null;default:pending"`
	AttemptCount     int                `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt    time.Time          `gorm:"column:next_attempt_at;not null"`
	ClaimedBy        *string            `gorm:"column:claimed_by"`
	ClaimedAt        *time.Time         `gorm:"column:claimed_at"`
	LastError        *string            `gorm:"column:last_error"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (OutboxRecord) TableName() string { return "outbox_records" }
