// Package queue provides a storage-agnostic, durable job queue engine
// with at-least-once delivery semantics, priority ordering and
// configurable retry backoff.
//
// # Overview
//
// The engine models a durable queue with an explicit state machine. It
// separates transport data (message.Message) from delivery state
// (job.Record), and defines a single Driver contract that storage
// backends implement: enqueue, claim-and-execute, housekeeping sweeps,
// statistics and dead-letter-queue inspection.
//
// The package does not mandate a particular storage backend. Three
// concrete drivers are provided: drivers/memory (single-process,
// in-memory, useful for tests), drivers/sqlite (bun + modernc/sqlite,
// exclusive-transaction claiming with an UPDATE ... RETURNING fast
// path), and drivers/postgres (pgx v5, SELECT ... FOR UPDATE SKIP LOCKED
// claiming).
//
// # Delivery Semantics
//
// The engine provides at-least-once processing guarantees. A job may be
// delivered more than once if a worker crashes before completing it, the
// claim lease (ReservedAt + Timeout) expires, or a housekeeping sweep
// reclaims a stuck row. Handlers must therefore be idempotent.
//
// # Claim Lease
//
// When a job is claimed, it transitions from Pending to Processing,
// Attempts is incremented, and ReservedAt is stamped. While Processing,
// the job is not eligible for claiming by other workers. If the worker
// that holds the claim crashes, the row remains Processing until a
// Housekeeper sweep reaps it (ReleaseStuck if attempts remain,
// FailExceeded otherwise) — there is no synchronous cancellation of a
// running handler.
//
// # State Machine
//
// Records follow the lifecycle documented in job.Status:
//
//	(none)     -> Pending | Delayed
//	Delayed    -> Pending     (ReleaseDelayed)
//	Pending    -> Processing  (claim)
//	Processing -> Completed
//	Processing -> Delayed     (retry scheduled)
//	Processing -> Failed      (DLQ move, attempts exhausted)
//	Processing -> Pending     (stuck release)
//	Processing -> Failed      (exceeded release)
//
// Completed and Failed are terminal. A job dead-lettered after
// exhausting its attempts can be requeued via RetryFailedJob; a job
// marked Failed by the exceeded release stays in the active store and
// is not requeued.
//
// # Retry Policy
//
// Retry behavior is controlled per-record by BackoffStrategy and
// RetryDelay. When a handler returns an error: if Attempts < MaxAttempts
// the job is rescheduled to Delayed with a computed backoff delay
// (Delay); otherwise it is moved to the dead-letter queue as Failed.
//
// # Driver Contract
//
// Driver is the single interface every backend implements: Enqueue,
// ProcessOne, ProcessBatch, Stats, GetFailedJobs/GetFailedJob,
// RetryFailedJob/RetryAllFailedJobs, PurgeOldJobs/PurgeFailedJobs,
// ReleaseDelayed, ReleaseStuck, FailExceeded. A Driver implementation
// owns claim atomicity (the hard invariant: between selecting a
// candidate row and marking it Processing, no other worker may select
// the same row) and is the sole writer of Record state; Executor only
// reports success or failure back to it.
//
// # Concurrency Model
//
// Any number of independent worker processes may call ProcessBatch
// concurrently against the same store; atomicity is enforced by the
// Driver, not by in-process coordination. BatchWorker additionally
// supports an optional bounded worker pool for concurrent in-process
// dispatch, and Housekeeper runs sweeps on a ticker. Stop cancels the
// context passed to running handlers and waits, up to a caller-supplied
// timeout, for the current batch or claim calls to return; Execute stops
// waiting for a handler once its context is canceled, and a handler
// that ignores cancellation keeps running in its own goroutine.
//
// # Summary
//
// queue provides a minimal yet structured foundation for durable
// background job processing with explicit lifecycle control, retry
// semantics, dead-letter handling and pluggable storage backends.
package queue
