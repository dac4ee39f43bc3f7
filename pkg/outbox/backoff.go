package outbox

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: base * 2^attempt * (1 ± jitter), capped at
// Max. Attempt counts start at 1 for the first failure.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewBackoff(base, max time.Duration, jitterFraction float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFraction > 1 {
		jitterFraction = 1
	}
	return &Backoff{
		Base:           base,
		Max:            max,
		JitterFraction: jitterFraction,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the given attempt may be retried.
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}

	if b.JitterFraction > 0 {
		b.mu.Lock()
		factor := 1 + b.JitterFraction*(2*b.rand.Float64()-1)
		b.mu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}

	if delay > b.Max {
		delay = b.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
