package job

import (
	"time"

	"github.com/lalaz-foundation/queue-engine/message"
)

// BackoffStrategy selects the retry delay formula applied when a handler
// fails and the job still has attempts remaining. See the Delay function
// in the root queue package for the formulas themselves.
type BackoffStrategy uint8

const (
	// Unspecified is the zero value: "caller did not choose a strategy".
	// Drivers substitute their configured default backoff (normally
	// Exponential) for it at enqueue time; it must never reach Delay.
	Unspecified BackoffStrategy = iota
	// Fixed always waits RetryDelay.
	Fixed
	// Linear waits RetryDelay * attempt.
	Linear
	// Exponential waits RetryDelay * 2^(attempt-1).
	Exponential
	// ExponentialJitter is Exponential scaled by a uniform factor in
	// [0.5, 1.5).
	ExponentialJitter
)

func (b BackoffStrategy) String() string {
	switch b {
	case Fixed:
		return "fixed"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	case ExponentialJitter:
		return "exponential_jitter"
	default:
		return "unspecified"
	}
}

// ParseBackoffStrategy parses the canonical string form of a
// BackoffStrategy. Unrecognized values fall back to Fixed.
func ParseBackoffStrategy(s string) BackoffStrategy {
	switch s {
	case "linear":
		return Linear
	case "exponential":
		return Exponential
	case "exponential_jitter":
		return ExponentialJitter
	default:
		return Fixed
	}
}

// MaxLastErrorLen is the truncation limit applied to Record.LastError,
// on the active row.
const MaxLastErrorLen = 1000

// MinPriority and MaxPriority bound Record.Priority.
const (
	MinPriority = 0
	MaxPriority = 10
	// DefaultPriority is used by Enqueue callers that do not specify one.
	DefaultPriority = 5
	// PriorityUnspecified marks an EnqueueOptions.Priority that the
	// caller left unset. It lies outside [MinPriority, MaxPriority], so
	// it is never confused with the legal, meaningful priority 0 the way
	// a bare zero value would be; drivers substitute DefaultPriority for
	// it at enqueue time, the same way they substitute a configured
	// backoff for Unspecified.
	PriorityUnspecified = -1
)

// Record is the durable unit of work managed by a Driver. It represents a
// snapshot of storage state: mutating a Record value in place does not
// change the underlying queue; transitions must go through a Driver.
//
// Record embeds message.Message, which carries the opaque, JSON-encoded
// payload and caller metadata. Record augments it with everything the
// storage layer needs to schedule, claim, retry and eventually archive
// the job: the target Queue lane, the Task name resolved by a Resolver,
// priority, attempt accounting, backoff configuration, and the audit
// timestamps.
type Record struct {
	message.Message

	Queue string
	Task  string

	Status Status

	Priority    int
	Attempts    uint32
	MaxAttempts uint32
	Timeout     time.Duration

	BackoffStrategy BackoffStrategy
	RetryDelay      time.Duration

	LastError string
	Tags      []string

	AvailableAt time.Time
	ReservedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClampPriority restricts p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// TruncateError truncates an error message to MaxLastErrorLen characters,
// matching the ≤1000 char storage limit.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxLastErrorLen {
		return msg
	}
	return string(r[:MaxLastErrorLen])
}

// RetryEvent captures one prior failed attempt, recorded on a
// FailedRecord's RetryHistory.
type RetryEvent struct {
	Attempt   uint32
	Error     string
	OccuredAt time.Time
}

// FailedRecord is the dead-letter-queue row produced when a Record
// exhausts MaxAttempts. It copies the Record fields plus the terminal
// failure detail: the triggering exception message, a full
// (untruncated) stack trace, the time of the final failure, the total
// number of attempts made, and the ordered history of every failed
// attempt, the final one included.
type FailedRecord struct {
	Record

	Exception     string
	StackTrace    string
	FailedAt      time.Time
	TotalAttempts uint32
	RetryHistory  []RetryEvent
}

// LogEntry is one row of the optional, append-only per-job log described
// alongside a job.
type LogEntry struct {
	JobID     string
	Level     string
	Message   string
	Context   map[string]any
	CreatedAt time.Time
}
