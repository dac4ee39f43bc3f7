package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbpkg "github.com/arlo-systems/eventbus/pkg/db"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
)

func setupOutboxTestDB(t *testing.T) *dbpkg.Client {
	t.Helper()

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	outboxRecords := `
CREATE TABLE IF NOT EXISTS outbox_records (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  topic TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  correlation_id TEXT NOT NULL,
  causation_id TEXT,
  aggregate_type TEXT,
  aggregate_id TEXT,
  aggregate_version INTEGER,
  payload TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME NOT NULL,
  claimed_by TEXT,
  claimed_at DATETIME,
  last_error TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	deadLetters := `
CREATE TABLE IF NOT EXISTS outbox_dead_letters (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  topic TEXT NOT NULL,
  payload TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME NOT NULL,
  created_at DATETIME
);`
	aggregateVersions := `
CREATE TABLE IF NOT EXISTS aggregate_versions (
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  version INTEGER NOT NULL,
  updated_at DATETIME,
  PRIMARY KEY (aggregate_type, aggregate_id)
);`

	for _, ddl := range []string{outboxRecords, deadLetters, aggregateVersions} {
		require.NoError(t, conn.Exec(ddl).Error)
	}
	return dbpkg.FromGorm(conn)
}

func newTestEnvelope(t *testing.T, eventType string, opts ...event.Option) *event.Envelope {
	t.Helper()
	env, err := event.New(eventType, map[string]string{"k": "v"}, opts...)
	require.NoError(t, err)
	return env
}

func insertPendingRecord(t *testing.T, client *dbpkg.Client, repo *Repository, env *event.Envelope, now time.Time) *models.OutboxRecord {
	t.Helper()
	record, err := NewRecord(env, "eventbus", now)
	require.NoError(t, err)
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.Insert(tx, record)
	}))
	return record
}

func TestInsertRejectsDuplicateEventID(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	env := newTestEnvelope(t, "order.created")
	insertPendingRecord(t, client, repo, env, now)

	duplicate, err := NewRecord(env, "eventbus", now)
	require.NoError(t, err)
	err = client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.Insert(tx, duplicate)
	})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.CodeValidation))
}

func TestClaimBatchClaimsOnlyDueRecords(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	due := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now.Add(-time.Minute))
	future, err := NewRecord(newTestEnvelope(t, "order.updated"), "eventbus", now)
	require.NoError(t, err)
	future.NextAttemptAt = now.Add(time.Hour)
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.Insert(tx, future)
	}))

	claimed, err := repo.ClaimBatch(context.Background(), "worker-1", 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, enums.OutboxClaimed, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedBy)
	assert.Equal(t, "worker-1", *claimed[0].ClaimedBy)
}

func TestClaimBatchOrdersByPriorityThenAge(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	low := insertPendingRecord(t, client, repo,
		newTestEnvelope(t, "audit.logged", event.WithPriority(enums.PriorityLow)), now)
	critical := insertPendingRecord(t, client, repo,
		newTestEnvelope(t, "payment.captured", event.WithPriority(enums.PriorityCritical)), now)

	claimed, err := repo.ClaimBatch(context.Background(), "worker-1", 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, critical.ID, claimed[0].ID)
	assert.Equal(t, low.ID, claimed[1].ID)
}

func TestClaimBatchIsExactlyOnceAcrossWorkers(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	const seeded = 20
	for i := 0; i < seeded; i++ {
		insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)
	}

	workers := []string{"w1", "w2", "w3", "w4", "w5"}
	claimedBy := make(map[uuid.UUID]string)
	for round := 0; round < seeded; round++ {
		drained := true
		for _, worker := range workers {
			batch, err := repo.ClaimBatch(context.Background(), worker, 3, now)
			require.NoError(t, err)
			for _, record := range batch {
				owner, seen := claimedBy[record.ID]
				require.Falsef(t, seen, "record %s claimed by both %s and %s", record.ID, owner, worker)
				claimedBy[record.ID] = worker
			}
			if len(batch) > 0 {
				drained = false
			}
		}
		if drained {
			break
		}
	}
	assert.Len(t, claimedBy, seeded)
}

func TestMarkSentRequiresClaim(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)

	err := repo.MarkSent(context.Background(), record.ID, now)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.CodeStateConflict))

	_, err = repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(context.Background(), record.ID, now))

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxSent, stored.Status)
	assert.Nil(t, stored.ClaimedBy)
}

func TestMarkFailedReturnsRecordToPending(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)
	_, err := repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)

	next := now.Add(2 * time.Second)
	require.NoError(t, repo.MarkFailed(context.Background(), record.ID, 1, next, errors.New("broker timeout")))

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.WithinDuration(t, next, stored.NextAttemptAt, time.Second)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "broker timeout")

	// not claimable before the backoff elapses
	batch, err := repo.ClaimBatch(context.Background(), "worker-2", 1, now)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkDeadLetterWritesAuditAndExcludesFromClaims(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)
	claimed, err := repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	cause := errors.New("max publish attempts reached")
	require.NoError(t, repo.MarkDeadLetter(context.Background(), &claimed[0], enums.DeadLetterMaxAttempts, cause, now))

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxDeadLetter, stored.Status)

	entries, err := repo.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, record.ID, entries[0].EventID)
	assert.Equal(t, enums.DeadLetterMaxAttempts, entries[0].ErrorReason)

	batch, err := repo.ClaimBatch(context.Background(), "worker-2", 10, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkDeadLetterRequiresLiveClaim(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)
	claimed, err := repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// the lease sweep takes the row back while worker-1 is still mid-flight
	reclaimed, err := repo.ReclaimExpired(context.Background(), time.Minute, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), reclaimed)

	err = repo.MarkDeadLetter(context.Background(), &claimed[0], enums.DeadLetterMaxAttempts, errors.New("down"), now.Add(5*time.Minute))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.CodeStateConflict))
	assert.False(t, appErrors.HasCode(err, appErrors.CodeDurability))

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxPending, stored.Status)

	entries, err := repo.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "no audit entry for a transition that lost its lease")
}

func TestReclaimExpiredRecoversStuckClaims(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)
	_, err := repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)

	// lease still fresh
	reclaimed, err := repo.ReclaimExpired(context.Background(), 2*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	reclaimed, err = repo.ReclaimExpired(context.Background(), 2*time.Minute, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxPending, stored.Status)
	assert.Nil(t, stored.ClaimedBy)
}

func TestReplayResurrectsDeadLetter(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	record := insertPendingRecord(t, client, repo, newTestEnvelope(t, "order.created"), now)

	err := repo.Replay(context.Background(), record.ID, now)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.CodeNotFound))

	claimed, err := repo.ClaimBatch(context.Background(), "worker-1", 1, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDeadLetter(context.Background(), &claimed[0], enums.DeadLetterMaxAttempts, errors.New("boom"), now))

	replayAt := now.Add(time.Hour)
	require.NoError(t, repo.Replay(context.Background(), record.ID, replayAt))

	stored, err := repo.FindByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxPending, stored.Status)
	assert.Zero(t, stored.AttemptCount)
	assert.Nil(t, stored.LastError)

	batch, err := repo.ClaimBatch(context.Background(), "worker-1", 1, replayAt)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestTransactionalInsertRollsBackCleanly(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	env := newTestEnvelope(t, "order.created")
	record, err := NewRecord(env, "eventbus", now)
	require.NoError(t, err)

	sentinel := errors.New("business write failed")
	err = client.WithTx(context.Background(), func(tx *gorm.DB) error {
		if err := repo.Insert(tx, record); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var count int64
	require.NoError(t, client.DB().Model(&models.OutboxRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}
