package outbox

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	dbpkg "github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

// EnsureMonotonicVersion enforces that version strictly exceeds the last
// recorded version for the aggregate, recording the new high-water mark in the
// same transaction as the outbox write. Concurrent publishers race on the
// conditional update; the loser gets a validation error.
func (r *Repository) EnsureMonotonicVersion(tx *gorm.DB, aggregateType, aggregateID string, version int64) error {
	if tx == nil {
		return appErrors.New(appErrors.CodeValidation, "transaction required")
	}
	if aggregateType == "" || aggregateID == "" {
		return appErrors.New(appErrors.CodeValidation, "aggregate type and id are required")
	}
	if version < 1 {
		return appErrors.New(appErrors.CodeValidation, "aggregate version must be positive")
	}

	res := tx.Model(&models.AggregateVersion{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND version < ?", aggregateType, aggregateID, version).
		Update("version", version)
	if res.Error != nil {
		return appErrors.Wrap(appErrors.CodeDurability, res.Error, "updating aggregate version")
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var existing models.AggregateVersion
	err := tx.Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		First(&existing).Error
	switch {
	case err == nil:
		return appErrors.New(appErrors.CodeValidation,
			fmt.Sprintf("aggregate version %d does not exceed last recorded version %d", version, existing.Version))
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := models.AggregateVersion{
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Version:       version,
		}
		if createErr := tx.Create(&row).Error; createErr != nil {
			if dbpkg.IsUniqueViolation(createErr, "") {
				return appErrors.New(appErrors.CodeValidation, "concurrent aggregate version conflict")
			}
			return appErrors.Wrap(appErrors.CodeDurability, createErr, "recording aggregate version")
		}
		return nil
	default:
		return appErrors.Wrap(appErrors.CodeDurability, err, "loading aggregate version")
	}
}
