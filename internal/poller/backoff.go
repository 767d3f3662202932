package poller

import "time"

const (
	baseRetryInterval = 2 * time.Second
	maxRetryInterval  = 15 * time.Second
	retryMultiplier   = 1.2
)

// Backoff tracks the delay before the next pass of one poll target.
// The zero value is not usable; use NewBackoff.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
	next   time.Duration
}

// NewBackoff creates a backoff at its base delay.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, factor: 1, next: base}
}

// Failure records a failed pass and returns the delay before the next one.
func (b *Backoff) Failure() time.Duration {
	d := time.Duration(float64(b.base) * retryMultiplier * b.factor)
	b.next = min(b.max, d)
	b.factor++

	return b.next
}

// Success resets the backoff and returns the base delay.
func (b *Backoff) Success() time.Duration {
	b.factor = 1
	b.next = b.base

	return b.next
}

// Next returns the current delay.
func (b *Backoff) Next() time.Duration { return b.next }

// Failures returns the number of consecutive failures.
func (b *Backoff) Failures() int { return int(b.factor) - 1 }
