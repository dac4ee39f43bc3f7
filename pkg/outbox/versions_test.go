package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

func TestEnsureMonotonicVersionAcceptsIncreasingVersions(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)

	for _, version := range []int64{1, 2, 5} {
		err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return repo.EnsureMonotonicVersion(tx, "order", "order-1", version)
		})
		require.NoError(t, err, "version %d", version)
	}
}

func TestEnsureMonotonicVersionRejectsStaleVersions(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)

	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "order", "order-1", 3)
	}))

	for _, version := range []int64{3, 2, 1} {
		err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return repo.EnsureMonotonicVersion(tx, "order", "order-1", version)
		})
		require.Error(t, err, "version %d", version)
		assert.True(t, appErrors.HasCode(err, appErrors.CodeValidation))
	}
}

func TestEnsureMonotonicVersionIsScopedPerAggregate(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)

	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "order", "order-1", 5)
	}))

	// other aggregates keep their own counters
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "order", "order-2", 1)
	}))
	require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "invoice", "order-1", 1)
	}))
}

func TestEnsureMonotonicVersionValidatesInput(t *testing.T) {
	client := setupOutboxTestDB(t)
	repo := NewRepository(client)

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "", "order-1", 1)
	})
	assert.True(t, appErrors.HasCode(err, appErrors.CodeValidation))

	err = client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return repo.EnsureMonotonicVersion(tx, "order", "order-1", 0)
	})
	assert.True(t, appErrors.HasCode(err, appErrors.CodeValidation))
}
