package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

const maxStoredErrorLen = 1024

// Repository is the durable outbox store. All worker coordination (claiming,
// lease recovery, dead-lettering) is expressed as conditional updates so
// multiple dispatcher processes can run against the same table.
type Repository struct {
	client *dbpkg.Client
}

func NewRepository(client *dbpkg.Client) *Repository {
	return &Repository{client: client}
}

// Insert writes a record inside the caller's transaction. A duplicate primary
// key means the event ID was already enqueued.
func (r *Repository) Insert(tx *gorm.DB, record *models.OutboxRecord) error {
	if tx == nil {
		return appErrors.New(appErrors.CodeValidation, "transaction required")
	}
	if record == nil {
		return appErrors.New(appErrors.CodeValidation, "record required")
	}
	if err := tx.Create(record).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return appErrors.Wrap(appErrors.CodeValidation, err, "duplicate event id")
		}
		return appErrors.Wrap(appErrors.CodeDurability, err, "inserting outbox record")
	}
	return nil
}

// ClaimBatch atomically claims up to limit due PENDING rows for workerID.
// Rows are ordered by priority then age. The status check in the update makes
// the claim race-safe: a row claimed by another worker in between no longer
// matches and is skipped.
func (r *Repository) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []models.OutboxRecord
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.OutboxRecord{}).
			Where("status = ? AND next_attempt_at <= ?", enums.OutboxPending, now).
			Order("priority DESC").
			Order("created_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []models.OutboxRecord
		if err := query.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(candidates))
		for _, row := range candidates {
			ids = append(ids, row.ID)
		}

		res := tx.Model(&models.OutboxRecord{}).
			Where("id IN ? AND status = ?", ids, enums.OutboxPending).
			Updates(map[string]any{
				"status":     enums.OutboxClaimed,
				"claimed_by": workerID,
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}

		return tx.
			Where("id IN ? AND claimed_by = ? AND status = ?", ids, workerID, enums.OutboxClaimed).
			Order("priority DESC").
			Order("created_at ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeDurability, err, "claiming outbox batch")
	}
	return claimed, nil
}

// MarkSent transitions a claimed row to SENT after broker ack.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.client.DB().WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("id = ? AND status = ?", id, enums.OutboxClaimed).
		Updates(map[string]any{
			"status":     enums.OutboxSent,
			"claimed_by": nil,
			"claimed_at": nil,
			"last_error": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return appErrors.Wrap(appErrors.CodeDurability, res.Error, "marking outbox record sent")
	}
	if res.RowsAffected == 0 {
		return appErrors.New(appErrors.CodeStateConflict, "record is not claimed")
	}
	return nil
}

// MarkFailed records a transient publish failure: the row returns to PENDING
// with an incremented attempt count and a backoff-delayed next attempt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, cause error) error {
	res := r.client.DB().WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("id = ? AND status = ?", id, enums.OutboxClaimed).
		Updates(map[string]any{
			"status":          enums.OutboxPending,
			"attempt_count":   attemptCount,
			"next_attempt_at": nextAttemptAt,
			"claimed_by":      nil,
			"claimed_at":      nil,
			"last_error":      truncateError(cause),
		})
	if res.Error != nil {
		return appErrors.Wrap(appErrors.CodeDurability, res.Error, "marking outbox record failed")
	}
	if res.RowsAffected == 0 {
		return appErrors.New(appErrors.CodeStateConflict, "record is not claimed")
	}
	return nil
}

// MarkDeadLetter terminally parks the row and writes the audit entry in one
// transaction. A row no longer in CLAIMED means the lease sweep took it back
// mid-flight; that surfaces as a state conflict, not a store failure.
func (r *Repository) MarkDeadLetter(ctx context.Context, record *models.OutboxRecord, reason enums.DeadLetterReason, cause error, now time.Time) error {
	if record == nil {
		return appErrors.New(appErrors.CodeValidation, "record required")
	}
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxRecord{}).
			Where("id = ? AND status = ?", record.ID, enums.OutboxClaimed).
			Updates(map[string]any{
				"status":        enums.OutboxDeadLetter,
				"attempt_count": record.AttemptCount + 1,
				"claimed_by":    nil,
				"claimed_at":    nil,
				"last_error":    truncateError(cause),
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return appErrors.New(appErrors.CodeStateConflict, "record is not claimed")
		}

		entry := models.OutboxDeadLetter{
			ID:           uuid.New(),
			EventID:      record.ID,
			EventType:    record.EventType,
			Topic:        record.Topic,
			Payload:      record.Payload,
			ErrorReason:  reason,
			ErrorMessage: truncateError(cause),
			AttemptCount: record.AttemptCount + 1,
			FailedAt:     now,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		// a lost lease must stay distinguishable from a store failure
		if appErrors.HasCode(err, appErrors.CodeStateConflict) {
			return err
		}
		return appErrors.Wrap(appErrors.CodeDurability, err, "dead-lettering outbox record")
	}
	return nil
}

// ReclaimExpired resets rows stuck in CLAIMED past the lease timeout back to
// PENDING so another worker can pick them up. Returns the number of rows
// recovered.
func (r *Repository) ReclaimExpired(ctx context.Context, leaseTimeout time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-leaseTimeout)
	res := r.client.DB().WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("status = ? AND claimed_at < ?", enums.OutboxClaimed, cutoff).
		Updates(map[string]any{
			"status":     enums.OutboxPending,
			"claimed_by": nil,
			"claimed_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, appErrors.Wrap(appErrors.CodeDurability, res.Error, "reclaiming expired leases")
	}
	return res.RowsAffected, nil
}

// Replay is the manual operator action that resurrects a dead-lettered row.
// The attempt count resets so the full retry budget applies again.
func (r *Repository) Replay(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.client.DB().WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("id = ? AND status = ?", id, enums.OutboxDeadLetter).
		Updates(map[string]any{
			"status":          enums.OutboxPending,
			"attempt_count":   0,
			"next_attempt_at": now,
			"last_error":      nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return appErrors.Wrap(appErrors.CodeDurability, res.Error, "replaying dead letter")
	}
	if res.RowsAffected == 0 {
		return appErrors.New(appErrors.CodeNotFound, "no dead-lettered record with that id")
	}
	return nil
}

// FindByID loads a single record.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	var record models.OutboxRecord
	err := r.client.DB().WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.New(appErrors.CodeNotFound, "outbox record not found")
		}
		return nil, appErrors.Wrap(appErrors.CodeDurability, err, "loading outbox record")
	}
	return &record, nil
}

// ListDeadLetters returns the most recent dead-letter audit entries.
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxDeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxDeadLetter
	err := r.client.DB().WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeDurability, err, "listing dead letters")
	}
	return rows, nil
}

func truncateError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return &msg
}
