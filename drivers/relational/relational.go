// Package relational collects helpers shared by the SQL-backed drivers
// (drivers/sqlite, drivers/postgres): table-identifier validation,
// priority clamping, error-message truncation and enqueue-default
// resolution (Defaults), so that behavior required to be
// identical across backends is implemented exactly once.
package relational

import (
	"regexp"
	"time"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/job"
)

// tableIdentifier matches the safe-identifier grammar: letters, digits
// and underscore only.
var tableIdentifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidTable reports whether name is a safe table identifier.
func ValidTable(name string) bool {
	return tableIdentifier.MatchString(name)
}

// ClampPriority restricts p to [job.MinPriority, job.MaxPriority].
func ClampPriority(p int) int {
	return job.ClampPriority(p)
}

// TruncateError restricts msg to job.MaxLastErrorLen runes, matching
// the `last_error` column's storage contract.
func TruncateError(msg string) string {
	return job.TruncateError(msg)
}

// Defaults carries the queue-wide fallbacks (normally sourced from
// config.Config) that Apply substitutes for an EnqueueOptions' zero
// fields, so every relational driver resolves "unset at enqueue time"
// the same way.
type Defaults struct {
	MaxAttempts     uint32
	Timeout         time.Duration
	BackoffStrategy job.BackoffStrategy
	RetryDelay      time.Duration
}

// Resolved is the fully-populated set of per-job scheduling fields an
// Enqueue call persists, after Defaults.Apply has filled in whatever
// opts left zero-valued.
type Resolved struct {
	Priority        int
	MaxAttempts     uint32
	Timeout         time.Duration
	BackoffStrategy job.BackoffStrategy
	RetryDelay      time.Duration
}

// Apply fills the zero-valued fields of opts with d's defaults and
// clamps Priority, returning the values an Enqueue call should persist.
// Priority 0 is a legal value (job.MinPriority), not "unset", so it is
// resolved the same way job.Unspecified is for BackoffStrategy: only
// opts.Priority == job.PriorityUnspecified is treated as omitted and
// substituted with job.DefaultPriority; any other value, including 0,
// passes through (clamped) unchanged.
func (d Defaults) Apply(opts queue.EnqueueOptions) Resolved {
	priority := opts.Priority
	if priority == job.PriorityUnspecified {
		priority = job.DefaultPriority
	}
	r := Resolved{
		Priority:        ClampPriority(priority),
		MaxAttempts:     valueOrU32(opts.MaxAttempts, d.MaxAttempts),
		Timeout:         valueOrDuration(opts.Timeout, d.Timeout),
		BackoffStrategy: opts.BackoffStrategy,
		RetryDelay:      valueOrDuration(opts.RetryDelay, d.RetryDelay),
	}
	if r.BackoffStrategy == job.Unspecified {
		r.BackoffStrategy = d.BackoffStrategy
	}
	return r
}

func valueOrU32(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func valueOrDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
