package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowthIsNonDecreasingAndBounded(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute, 0)

	var previous time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		delay := backoff.Next(attempt)
		assert.GreaterOrEqual(t, delay, previous, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, time.Minute, "attempt %d", attempt)
		previous = delay
	}

	assert.Equal(t, time.Second, backoff.Next(1))
	assert.Equal(t, 2*time.Second, backoff.Next(2))
	assert.Equal(t, 16*time.Second, backoff.Next(5))
	assert.Equal(t, time.Minute, backoff.Next(20))
}

func TestBackoffJitterStaysWithinFraction(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Minute, 0.2)

	for i := 0; i < 100; i++ {
		delay := backoff.Next(3) // nominal 4s
		assert.GreaterOrEqual(t, delay, 3200*time.Millisecond)
		assert.LessOrEqual(t, delay, 4800*time.Millisecond)
	}
}

func TestBackoffClampsInvalidConfig(t *testing.T) {
	backoff := NewBackoff(0, 0, -1)
	assert.Equal(t, time.Second, backoff.Base)
	assert.Equal(t, time.Minute, backoff.Max)
	assert.Zero(t, backoff.JitterFraction)
}
