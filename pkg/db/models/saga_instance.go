package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/enums"
)

// SagaInstance is the durable state of one saga execution. The orchestrator is
// the sole writer; updates go through an optimistic version check so duplicate
// step-result deliveries cannot clobber progress.
type SagaInstance struct {
	ID                   uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	SagaType             string           `gorm:"column:saga_type;not null"`
	Status               enums.SagaStatus `gorm:"column:status;not null;default:running"`
	CurrentStepIndex     int              `gorm:"column:current_step_index;not null;default:0"`
	Context              json.RawMessage  `gorm:"column:context;type:jsonb;not null"`
	CompletedSteps       json.RawMessage  `gorm:"column:completed_steps;type:jsonb;not null"`
	PendingSteps         json.RawMessage  `gorm:"column:pending_steps;type:jsonb;not null"`
	CompensationIndex    int              `gorm:"column:compensation_index;not null;default:-1"`
	CompensationAttempts int              `gorm:"column:compensation_attempts;not null;default:0"`
	CorrelationID        string           `gorm:"column:correlation_id;not null"`
	LastError            *string          `gorm:"column:last_error"`
	Version              int64            `gorm:"column:version;not null;default:1"`
	CreatedAt            time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (SagaInstance) TableName() string { return "saga_instances" }
