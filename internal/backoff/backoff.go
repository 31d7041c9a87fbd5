// Package backoff implements the capped exponential retry delay used by the
// failover controller.
package backoff

import (
	"context"
	"time"
)

const (
	DefaultMin        = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Backoff is scoped to one subscription. It is not safe for concurrent use.
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// New returns a Backoff starting at min. Zero arguments take the defaults and
// a max below min is raised to min.
func New(min, max time.Duration, multiplier float64) *Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < min {
		max = min
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	return &Backoff{Min: min, Max: max, Multiplier: multiplier, current: min}
}

// Next returns the delay to wait now and grows the delay for the following
// failure, up to Max.
func (b *Backoff) Next() time.Duration {
	if b.current < b.Min {
		b.current = b.Min
	}
	d := b.current

	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max || next < b.current {
		next = b.Max
	}
	b.current = next

	return d
}

// Current is the delay the next failure will wait.
func (b *Backoff) Current() time.Duration {
	if b.current < b.Min {
		return b.Min
	}
	return b.current
}

// Reset returns the delay to Min after a successful exchange.
func (b *Backoff) Reset() {
	b.current = b.Min
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
