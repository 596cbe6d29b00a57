package queue

import "errors"

var (
	// ErrJobLost indicates that the referenced job no longer exists in
	// storage, or cannot be found in the state the caller expected.
	//
	// This can occur if the job was concurrently removed or transitioned
	// by another actor (for example, a concurrent DLQ move).
	ErrJobLost = errors.New("queue: job lost")

	// ErrLockLost indicates that the caller no longer owns a job's claim.
	//
	// This typically happens when the claim lease (Timeout) expired and a
	// housekeeping sweep or another worker reclaimed the row before the
	// current worker finished.
	ErrLockLost = errors.New("queue: lock lost")

	// ErrInvariantViolation indicates that a Record was observed in a
	// status combination not permitted by the state machine in
	// job.CanTransition. The driver must skip the record and make no
	// further changes to it.
	ErrInvariantViolation = errors.New("queue: invariant violation")

	// ErrResolutionFailed indicates that a Record's Task name did not
	// resolve to a registered Handler. Treated as a handler failure that
	// proceeds through normal retry scheduling.
	ErrResolutionFailed = errors.New("queue: task resolution failed")

	// ErrDecodeFailed indicates that a Record's Payload could not be
	// decoded. Treated as a handler failure that proceeds through normal
	// retry scheduling.
	ErrDecodeFailed = errors.New("queue: payload decode failed")

	// ErrBadStatus indicates that an operation was asked to act on a
	// status it does not accept — for example, purging a non-terminal
	// status from the dead-letter queue.
	ErrBadStatus = errors.New("queue: bad job status")

	// ErrInvalidTable indicates that a configured table identifier does
	// not match ^[A-Za-z0-9_]+$ and was rejected at construction time.
	ErrInvalidTable = errors.New("queue: invalid table identifier")
)
