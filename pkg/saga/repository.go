package saga

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

// Repository persists saga instances. Every update carries an optimistic
// version check so a duplicate step-result delivery racing a live one cannot
// clobber progress.
type Repository struct {
	client *dbpkg.Client
}

func NewRepository(client *dbpkg.Client) *Repository {
	return &Repository{client: client}
}

func (r *Repository) Create(ctx context.Context, instance *models.SagaInstance) error {
	if instance == nil {
		return appErrors.New(appErrors.CodeValidation, "instance required")
	}
	if err := r.client.DB().WithContext(ctx).Create(instance).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return appErrors.Wrap(appErrors.CodeValidation, err, "duplicate saga id")
		}
		return appErrors.Wrap(appErrors.CodeDurability, err, "creating saga instance")
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.SagaInstance, error) {
	var instance models.SagaInstance
	err := r.client.DB().WithContext(ctx).Where("id = ?", id).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.New(appErrors.CodeNotFound, "saga instance not found")
		}
		return nil, appErrors.Wrap(appErrors.CodeDurability, err, "loading saga instance")
	}
	return &instance, nil
}

// Update persists the instance if its stored version still matches
// instance.Version, then bumps the version. A zero-row update means another
// delivery won the race; the resulting state conflict propagates so the losing
// delivery is redelivered and reprocessed against the fresh state.
func (r *Repository) Update(ctx context.Context, instance *models.SagaInstance, now time.Time) error {
	if instance == nil {
		return appErrors.New(appErrors.CodeValidation, "instance required")
	}
	res := r.client.DB().WithContext(ctx).
		Model(&models.SagaInstance{}).
		Where("id = ? AND version = ?", instance.ID, instance.Version).
		Updates(map[string]any{
			"status":                instance.Status,
			"current_step_index":    instance.CurrentStepIndex,
			"context":               instance.Context,
			"completed_steps":       instance.CompletedSteps,
			"pending_steps":         instance.PendingSteps,
			"compensation_index":    instance.CompensationIndex,
			"compensation_attempts": instance.CompensationAttempts,
			"last_error":            instance.LastError,
			"version":               instance.Version + 1,
			"updated_at":            now,
		})
	if res.Error != nil {
		return appErrors.Wrap(appErrors.CodeDurability, res.Error, "updating saga instance")
	}
	if res.RowsAffected == 0 {
		return appErrors.New(appErrors.CodeStateConflict, "saga instance version conflict")
	}
	instance.Version++
	return nil
}

// ListActive returns every instance still in a non-terminal status, oldest
// first. Used by Resume after a restart.
func (r *Repository) ListActive(ctx context.Context) ([]models.SagaInstance, error) {
	var instances []models.SagaInstance
	err := r.client.DB().WithContext(ctx).
		Where("status IN ?", []enums.SagaStatus{enums.SagaRunning, enums.SagaCompensating}).
		Order("created_at ASC").
		Find(&instances).Error
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeDurability, err, "listing active sagas")
	}
	return instances, nil
}
