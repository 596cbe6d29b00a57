package queue

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/lalaz-foundation/queue-engine/job"
)

// minDelay and maxDelay bound every computed retry delay to [1s, 24h], per
// the delay formulas below.
const (
	minDelay = time.Second
	maxDelay = 24 * time.Hour
)

// Delay computes the backoff duration before a job may be retried.
// attempt is 1-based and refers to the failed attempt that is about to be
// retried (so the first retry after the initial attempt passes attempt=1).
//
// Delay is pure and side-effect free: for job.Fixed it always returns
// base; for job.Linear it returns base*attempt; for job.Exponential it
// returns base*2^(attempt-1); for job.ExponentialJitter it scales the
// exponential result by a uniform factor in [0.5, 1.5). Every result is
// clamped to [1s, 24h].
//
// Delay does not decide attempt-exhaustion; that remains the driver's
// decision, made against Record.MaxAttempts.
func Delay(strategy job.BackoffStrategy, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch strategy {
	case job.Linear:
		d = base * time.Duration(attempt)
	case job.Exponential:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	case job.ExponentialJitter:
		exp := float64(base) * math.Pow(2, float64(attempt-1))
		factor := 0.5 + rand.Float64()
		d = time.Duration(exp * factor)
	case job.Fixed:
		fallthrough
	default:
		d = base
	}
	return clampDelay(d)
}

func clampDelay(d time.Duration) time.Duration {
	if d < minDelay {
		return minDelay
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
