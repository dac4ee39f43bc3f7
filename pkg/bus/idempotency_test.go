package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdempotencyStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{data: make(map[string]string)}
}

func (s *fakeIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *fakeIdempotencyStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprint(value)
	return true, nil
}

func (s *fakeIdempotencyStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *fakeIdempotencyStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("eb:idempotency:%s:%s", scope, id)
}

func TestCheckAndMarkDetectsDuplicates(t *testing.T) {
	guard, err := NewIdempotencyGuard(newFakeIdempotencyStore(), time.Hour)
	require.NoError(t, err)

	eventID := uuid.New()
	already, err := guard.CheckAndMark(context.Background(), "group-a", eventID)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = guard.CheckAndMark(context.Background(), "group-a", eventID)
	require.NoError(t, err)
	assert.True(t, already)
}

func TestCheckAndMarkScopesByConsumerGroup(t *testing.T) {
	guard, err := NewIdempotencyGuard(newFakeIdempotencyStore(), time.Hour)
	require.NoError(t, err)

	eventID := uuid.New()
	_, err = guard.CheckAndMark(context.Background(), "group-a", eventID)
	require.NoError(t, err)

	already, err := guard.CheckAndMark(context.Background(), "group-b", eventID)
	require.NoError(t, err)
	assert.False(t, already)
}

func TestReleaseAllowsRetryAfterFailure(t *testing.T) {
	guard, err := NewIdempotencyGuard(newFakeIdempotencyStore(), time.Hour)
	require.NoError(t, err)

	eventID := uuid.New()
	_, err = guard.CheckAndMark(context.Background(), "group-a", eventID)
	require.NoError(t, err)

	require.NoError(t, guard.Release(context.Background(), "group-a", eventID))

	already, err := guard.CheckAndMark(context.Background(), "group-a", eventID)
	require.NoError(t, err)
	assert.False(t, already)
}

func TestGuardValidatesInput(t *testing.T) {
	_, err := NewIdempotencyGuard(nil, time.Hour)
	require.Error(t, err)

	guard, err := NewIdempotencyGuard(newFakeIdempotencyStore(), time.Hour)
	require.NoError(t, err)

	_, err = guard.CheckAndMark(context.Background(), "", uuid.New())
	require.Error(t, err)
	_, err = guard.CheckAndMark(context.Background(), "group-a", uuid.Nil)
	require.Error(t, err)
}
