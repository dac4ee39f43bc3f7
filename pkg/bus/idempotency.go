package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/redis"
)

// IdempotencyGuard tracks processed event IDs per consumer group using Redis
// SETNX with a TTL. Keys follow `eb:idempotency:evt:processed:<group>:<event_id>`.
// Brokers deliver at least once; the guard keeps duplicate deliveries from
// re-invoking handlers.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewIdempotencyGuard builds a guard that marks events processed for the
// given TTL.
func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark returns true when the event was already processed, otherwise
// marks it processed with the configured TTL.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, group string, eventID uuid.UUID) (bool, error) {
	key, err := g.processedKey(group, eventID)
	if err != nil {
		return false, err
	}
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Release removes the processed mark so a failed handler can be retried on
// redelivery.
func (g *IdempotencyGuard) Release(ctx context.Context, group string, eventID uuid.UUID) error {
	key, err := g.processedKey(group, eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *IdempotencyGuard) processedKey(group string, eventID uuid.UUID) (string, error) {
	if group == "" {
		return "", errors.New("consumer group is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	scope := fmt.Sprintf("evt:processed:%s", group)
	return g.store.IdempotencyKey(scope, eventID.String()), nil
}
