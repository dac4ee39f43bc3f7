package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/enums"
)

// OutboxDeadLetter captures terminal outbox failures for auditing and
// operator-driven replay.
type OutboxDeadLetter struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EventID      uuid.UUID              `gorm:"column:event_id;type:uuid;not null"`
	EventType    string                 `gorm:"column:event_type;not null"`
	Topic        string                 `gorm:"column:topic;not null"`
	Payload      json.RawMessage        `gorm:"column:payload;type:jsonb;not null"`
	ErrorReason  enums.DeadLetterReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string                `gorm:"column:error_message"`
	AttemptCount int                    `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time              `gorm:"column:failed_at;autoCreateTime"`
	CreatedAt    time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxDeadLetter) TableName() string { return "outbox_dead_letters" }
