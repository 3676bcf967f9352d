// Package system provides the wall clock used for run timestamps.
package system

import "time"

// Clock implements convert.Clock. Readings are UTC and truncated to
// Resolution so timestamps round-trip through timestamptz columns unchanged.
type Clock struct {
	Resolution time.Duration
}

// New returns a Clock truncating to resolution; zero keeps full precision.
func New(resolution time.Duration) *Clock {
	return &Clock{Resolution: resolution}
}

// Now returns the current UTC time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c != nil && c.Resolution > 0 {
		now = now.Truncate(c.Resolution)
	}
	return now
}
