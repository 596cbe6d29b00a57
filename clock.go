package queue

import "time"

// Clock abstracts wall-clock time so that scheduling math (available_at
// comparisons, retry delay, claim lease expiry) can be driven by a fake
// source under test. All scheduling decisions in
// this package and its drivers go through a Clock rather than calling
// time.Now directly.
type Clock interface {
	// Now returns the current wall time, UTC.
	Now() time.Time

	// Since returns the time elapsed since t, measured against this
	// clock rather than the system clock, so budget/duration math stays
	// deterministic under FixedClock.
	Since(t time.Time) time.Duration
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Since implements Clock.
func (SystemClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// FixedClock is a Clock that always returns the same instant until
// advanced. It is intended for deterministic tests of retry scheduling,
// delayed-job release and stuck-job detection.
type FixedClock struct {
	now time.Time
}

// NewFixedClock returns a FixedClock starting at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	return c.now
}

// Since implements Clock, measuring elapsed time against the fixed
// instant rather than the system clock.
func (c *FixedClock) Since(t time.Time) time.Duration {
	return c.now.Sub(t)
}

// Advance moves the clock forward by d and returns the new time.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

// Set pins the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.now = t
}
