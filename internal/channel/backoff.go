package channel

import (
	"math"
	"time"
)

// Default reconnect parameters.
const (
	DefaultBaseDelay  = time.Second
	DefaultMaxRetries = 5
)

// Backoff computes deterministic exponential reconnect delays.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultBackoff returns a one second base delay and five retries.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:  DefaultBaseDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultBaseDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = DefaultMaxRetries
	}
	return b
}

// Allow reports whether another reconnect may be scheduled.
func (b Backoff) Allow(retryCount int) bool {
	return retryCount < b.MaxRetries
}

// Delay returns BaseDelay * 2^retryCount, capped at MaxDelay when set. It
// saturates instead of overflowing.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := b.BaseDelay
	for i := 0; i < retryCount; i++ {
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			return b.MaxDelay
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}
