package mcpmgr

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures exponentially growing, jittered retry delays.
type Backoff struct {
	// Base is the delay before the first retry. Defaults to 200ms.
	Base time.Duration
	// Max caps the un-jittered delay. Defaults to 30s.
	Max time.Duration
	// Jitter is the symmetric random spread as a fraction of the delay.
	// Defaults to 0.2 (±20%); negative disables jitter.
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 200 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter == 0 {
		b.Jitter = 0.2
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// NewBackOff returns a fresh delay sequence that doubles from Base up to
// Max. It never stops on its own; RetryPolicy.MaxAttempts bounds retries.
func (b Backoff) NewBackOff() *backoff.ExponentialBackOff {
	b = b.withDefaults()
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.Base),
		backoff.WithMaxInterval(b.Max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(b.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
}
