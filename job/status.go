package job

import "fmt"

// Status represents the current lifecycle state of a Record.
//
// The state machine is:
//
//	(none)     -> Pending     (enqueue, delay == 0)
//	(none)     -> Delayed     (enqueue, delay > 0)
//	Delayed    -> Pending     (releaseDelayed, available_at <= now)
//	Pending    -> Processing  (atomic claim)
//	Processing -> Completed   (handler succeeded)
//	Processing -> Delayed     (handler failed, attempts < max_attempts)
//	Processing -> Failed      (handler failed, attempts >= max_attempts; DLQ move)
//	Processing -> Pending     (stuck-release)
//	Processing -> Failed      (exceeded-release, attempts >= max_attempts after timeout)
//
// No other transitions are legal. Use CanTransition to validate a move
// before committing it; an implementation that observes a record in a
// combination not reachable from this table must refuse to operate on
// it and log an invariant violation instead of guessing.
//
// Unknown is reserved as a zero value and may be used to indicate an
// unspecified or invalid state in filtering contexts.
type Status uint8

const (
	// Unknown represents an unspecified or invalid job state.
	// It is the zero value of Status.
	Unknown Status = iota

	// Pending indicates that the job is immediately available for claiming.
	Pending

	// Delayed indicates that the job is not yet eligible for claiming;
	// AvailableAt lies in the future. ReleaseDelayed promotes Delayed
	// records to Pending once AvailableAt has passed.
	Delayed

	// Processing indicates that the job has been claimed and is currently
	// owned by a worker. While in this state, ReservedAt marks the claim
	// and Timeout bounds how long the row may remain unclaimed-but-stale
	// before a housekeeping sweep reclaims it.
	Processing

	// Completed indicates successful execution. The job will not be
	// executed again.
	Completed

	// Failed indicates that the job exhausted its retry budget. A job
	// that exhausts it during execution is moved to the dead-letter
	// queue, from which RetryFailedJob can requeue it. A job reaped past
	// its timeout while already exhausted (FailExceeded) stays in the
	// active store as Failed and is not dead-lettered.
	Failed
)

func statusToString(status Status) string {
	switch status {
	case Pending:
		return "pending"
	case Delayed:
		return "delayed"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func statusFromString(status string) (Status, error) {
	switch status {
	case "pending":
		return Pending, nil
	case "delayed":
		return Delayed, nil
	case "processing":
		return Processing, nil
	case "completed":
		return Completed, nil
	case "failed":
		return Failed, nil
	case "unknown":
		return Unknown, nil
	default:
		return 0, fmt.Errorf("job: unknown status: %s", status)
	}
}

// ParseStatus converts a string representation of a status into a Status
// value. Recognized values are "pending", "delayed", "processing",
// "completed", "failed" and "unknown". An error is returned for
// unrecognized strings.
func ParseStatus(s string) (Status, error) {
	return statusFromString(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(statusToString(s)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	status, err := statusFromString(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// String returns the canonical string representation of the status.
func (s Status) String() string {
	return statusToString(s)
}

// transitions enumerates every legal (from, to) pair of the state machine
// described by the transition table above. It is the single source of truth for
// CanTransition.
var transitions = map[Status]map[Status]bool{
	Pending:    {Processing: true},
	Delayed:    {Pending: true},
	Processing: {Completed: true, Delayed: true, Failed: true, Pending: true},
}

// CanTransition reports whether moving a record from "from" to "to" is
// legal under that state machine. Drivers check this before committing
// the outcome of an execution (Completed, Delayed or Failed); a false
// result means the caller observed an invariant violation and must skip
// the record rather than force the move. Claims and the housekeeping
// sweeps restrict by status in their own queries instead.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}
