package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalaz-foundation/queue-engine/job"
)

// EnqueueOptions configures a single Enqueue call. Zero values select the
// defaults documented per field, except Priority, where zero means
// priority 0.
type EnqueueOptions struct {
	// Priority is clamped to [job.MinPriority, job.MaxPriority] by the
	// driver. job.MinPriority (0) is a legal, meaningful priority, not
	// "unset" — leave Priority at its zero value only to actually enqueue
	// at priority 0. To omit it and get job.DefaultPriority instead, set
	// Priority to job.PriorityUnspecified.
	Priority int
	// Delay, if positive, enqueues the job as Delayed with
	// AvailableAt = now + Delay instead of immediately Pending.
	Delay time.Duration
	// MaxAttempts defaults to 3 when zero.
	MaxAttempts uint32
	// Timeout defaults to 300s when zero.
	Timeout time.Duration
	// BackoffStrategy defaults to job.Exponential when unset.
	BackoffStrategy job.BackoffStrategy
	// RetryDelay defaults to 60s when zero.
	RetryDelay time.Duration
	Tags       []string
}

// BatchResult aggregates the outcome of a ProcessBatch call.
type BatchResult struct {
	Processed     int
	Successful    int
	Failed        int
	ExecutionTime time.Duration
}

// Stats reports point-in-time counters for a queue (or, if Queue is
// empty, across all queues).
type Stats struct {
	Queue             string
	CountByStatus     map[job.Status]int64
	HighPriorityCount int64
	AvgAttempts       float64
	DLQCount          int64
}

// Driver is the single storage contract every backend implements:
// enqueue, claim-and-execute, dead-letter inspection/retry, cleanup and
// the housekeeping sweeps. This generalizes the split interfaces of an
// earlier design (separate push/claim/inspect/delete roles) into the
// unified contract, since DLQ transfer,
// stats and attempt-exhaustion sweeps don't fit cleanly into any single
// one of those roles.
//
// A Driver owns claim atomicity: between selecting a candidate row and
// marking it Processing, no other caller may select the same row. It is
// also the sole writer of Record state; Executor only reports success or
// failure back to it.
type Driver interface {
	// Enqueue persists a new job and returns its id. Delay, if positive,
	// enqueues the job as Delayed rather than Pending.
	Enqueue(ctx context.Context, queueName, task string, payload []byte, opts EnqueueOptions) (uuid.UUID, error)

	// ProcessOne claims at most one eligible job from queueName (all
	// queues if empty) and runs it to completion, retry or DLQ. Claim,
	// execution and persistence failures are logged and translated into
	// record state; ProcessOne itself never returns a handler error.
	ProcessOne(ctx context.Context, queueName string) error

	// ProcessBatch runs up to n jobs, or until budget elapses, or until
	// no eligible work remains, whichever comes first. It calls
	// ReleaseDelayed once up front.
	ProcessBatch(ctx context.Context, n int, queueName string, budget time.Duration) (BatchResult, error)

	// Stats reports counts by status, the high-priority count (priority
	// >= 8), average attempts, and the dead-letter count for queueName
	// (all queues if empty).
	Stats(ctx context.Context, queueName string) (Stats, error)

	// GetFailedJobs returns up to limit dead-lettered records, ordered by
	// FailedAt descending, skipping the first offset.
	GetFailedJobs(ctx context.Context, limit, offset int) ([]*job.FailedRecord, error)

	// GetFailedJob returns a single dead-lettered record, or nil if id is
	// not present in the dead-letter queue.
	GetFailedJob(ctx context.Context, id uuid.UUID) (*job.FailedRecord, error)

	// RetryFailedJob atomically moves a dead-lettered record back into
	// the active store as Pending and deletes it from the dead-letter
	// queue. It reports false, nil if id was not found.
	RetryFailedJob(ctx context.Context, id uuid.UUID) (bool, error)

	// RetryAllFailedJobs requeues every dead-lettered record in
	// queueName (all queues if empty) and returns the count retried.
	RetryAllFailedJobs(ctx context.Context, queueName string) (int64, error)

	// PurgeOldJobs atomically deletes terminal records older than
	// olderThan from both the active store and the dead-letter queue,
	// returning the total deleted.
	PurgeOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	// PurgeFailedJobs deletes dead-lettered records in queueName (all
	// queues if empty), returning the count deleted.
	PurgeFailedJobs(ctx context.Context, queueName string) (int64, error)

	// ReleaseDelayed promotes Delayed records whose AvailableAt has
	// elapsed to Pending, returning the count promoted.
	ReleaseDelayed(ctx context.Context) (int64, error)

	// ReleaseStuck reverts Processing records whose UpdatedAt is older
	// than their Timeout and whose Attempts remain below MaxAttempts
	// back to Pending, returning the count released. This recovers from
	// crashed workers.
	ReleaseStuck(ctx context.Context) (int64, error)

	// FailExceeded transitions Processing records whose UpdatedAt is
	// older than their Timeout and whose Attempts have reached
	// MaxAttempts to Failed, returning the count transitioned.
	FailExceeded(ctx context.Context) (int64, error)
}
