package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/relational"
	"github.com/lalaz-foundation/queue-engine/job"
)

// Driver is the pgx/pgxpool-backed queue.Driver implementation.
type Driver struct {
	pool     *pgxpool.Pool
	clock    queue.Clock
	executor *queue.Executor
	log      *queue.QueueLogger
	defaults relational.Defaults
}

// defaultDefaults matches the documented engine defaults (spec.md §6)
// for callers that construct a Driver via New rather than NewWithDefaults.
var defaultDefaults = relational.Defaults{
	MaxAttempts:     3,
	Timeout:         300 * time.Second,
	BackoffStrategy: job.Exponential,
	RetryDelay:      60 * time.Second,
}

// New returns a Driver over pool using the documented engine defaults.
// Schema must already be applied, normally via Connect. clock defaults
// to queue.SystemClock, log to an emitting-only QueueLogger, when nil.
func New(pool *pgxpool.Pool, resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger) *Driver {
	return NewWithDefaults(pool, resolver, clock, log, defaultDefaults)
}

// NewWithDefaults is New, but lets the caller supply the queue-wide
// fallbacks normally sourced from config.Config.
func NewWithDefaults(pool *pgxpool.Pool, resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger, defaults relational.Defaults) *Driver {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if log == nil {
		log = queue.NewQueueLogger(nil, nil)
	}
	return &Driver{
		pool:     pool,
		clock:    clock,
		executor: queue.NewExecutor(resolver),
		log:      log,
		defaults: defaults,
	}
}

// Enqueue implements queue.Driver.
func (d *Driver) Enqueue(ctx context.Context, queueName, task string, payload []byte, opts queue.EnqueueOptions) (uuid.UUID, error) {
	id := uuid.New()
	now := d.clock.Now()
	r := d.defaults.Apply(opts)

	status := job.Pending
	availableAt := now
	if opts.Delay > 0 {
		status = job.Delayed
		availableAt = now.Add(opts.Delay)
	}

	var metadata []byte
	_, err := d.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, task, status, priority, max_attempts,
			timeout_seconds, backoff_strategy, retry_delay_seconds, tags,
			available_at, created_at, updated_at, metadata, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		id, queueName, task, status, r.Priority, r.MaxAttempts,
		int64(r.Timeout/time.Second), r.BackoffStrategy, int64(r.RetryDelay/time.Second), opts.Tags,
		availableAt, now, now, metadata, payload,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// claimedJob pairs the Record view of a claimed row with its raw
// retry-history column, which job.Record itself does not carry.
type claimedJob struct {
	rec     *job.Record
	history []byte
}

// ProcessOne implements queue.Driver.
func (d *Driver) ProcessOne(ctx context.Context, queueName string) error {
	if _, err := d.ReleaseDelayed(ctx); err != nil {
		return err
	}
	cj, err := d.claim(ctx, queueName)
	if err != nil {
		d.log.Error(ctx, "", "claim failed", "err", err)
		return nil
	}
	if cj == nil {
		return nil
	}
	d.run(ctx, cj)
	return nil
}

// ProcessBatch implements queue.Driver.
func (d *Driver) ProcessBatch(ctx context.Context, n int, queueName string, budget time.Duration) (queue.BatchResult, error) {
	start := d.clock.Now()

	if _, err := d.ReleaseDelayed(ctx); err != nil {
		return queue.BatchResult{}, err
	}

	var result queue.BatchResult
	for {
		if n > 0 && result.Processed >= n {
			break
		}
		if budget > 0 && d.clock.Since(start) >= budget {
			break
		}

		cj, err := d.claim(ctx, queueName)
		if err != nil {
			d.log.Error(ctx, "", "claim failed", "err", err)
			break
		}
		if cj == nil {
			break
		}

		if d.run(ctx, cj) {
			result.Successful++
		} else {
			result.Failed++
		}
		result.Processed++
	}
	result.ExecutionTime = d.clock.Since(start)
	return result, nil
}

// claim selects and reserves the single highest-priority, oldest
// eligible row under `SELECT ... FOR UPDATE SKIP LOCKED`: contending
// claimers simply skip rows already locked by another in-flight claim
// rather than blocking on them.
func (d *Driver) claim(ctx context.Context, queueName string) (*claimedJob, error) {
	now := d.clock.Now()
	var cj *claimedJob

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		query := `SELECT id FROM jobs WHERE status = $1 AND available_at <= $2`
		args := []any{job.Pending, now}
		if queueName != "" {
			query += ` AND queue = $3`
			args = append(args, queueName)
		}
		query += ` ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

		var id uuid.UUID
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}

		row, err := scanJobRow(tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $1, attempts = attempts + 1, reserved_at = $2, updated_at = $2
			WHERE id = $3
			RETURNING `+jobColumns,
			job.Processing, now, id))
		if err != nil {
			return err
		}
		cj = &claimedJob{rec: row.toRecord(), history: row.RetryHistory}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cj, nil
}

// run executes cj and applies the outcome, returning true on success.
// Persistence failures here are logged, never propagated: ProcessOne
// and ProcessBatch must never let a handler or follow-up write error
// escape.
func (d *Driver) run(ctx context.Context, cj *claimedJob) bool {
	rec := cj.rec
	res := d.executor.Execute(ctx, rec)
	now := d.clock.Now()

	if res.Outcome == queue.OutcomeSuccess {
		if !job.CanTransition(rec.Status, job.Completed) {
			d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Completed, "err", queue.ErrInvariantViolation)
			return false
		}
		if err := d.complete(ctx, rec.Id, now); err != nil {
			d.log.Error(ctx, rec.Id.String(), "complete failed", "err", err)
		}
		return true
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	lastErr := job.TruncateError(errMsg)

	if rec.Attempts >= rec.MaxAttempts {
		if !job.CanTransition(rec.Status, job.Failed) {
			d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Failed, "err", queue.ErrInvariantViolation)
			return false
		}
		if err := d.moveToDLQ(ctx, cj, errMsg, res.StackTrace, now); err != nil {
			d.log.Error(ctx, rec.Id.String(), "dead-letter move failed", "err", err)
		}
		return false
	}

	if !job.CanTransition(rec.Status, job.Delayed) {
		d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Delayed, "err", queue.ErrInvariantViolation)
		return false
	}
	delay := queue.Delay(rec.BackoffStrategy, rec.RetryDelay, int(rec.Attempts))
	if err := d.scheduleRetry(ctx, cj, lastErr, now.Add(delay), now); err != nil {
		d.log.Error(ctx, rec.Id.String(), "retry schedule failed", "err", err)
	}
	return false
}

func (d *Driver) complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, reserved_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4`,
		job.Completed, now, id, job.Processing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLockLost
	}
	return nil
}

func (d *Driver) scheduleRetry(ctx context.Context, cj *claimedJob, lastErr string, availableAt, now time.Time) error {
	rec := cj.rec
	history := appendHistory(cj.history, job.RetryEvent{
		Attempt:   rec.Attempts,
		Error:     lastErr,
		OccuredAt: now,
	})
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, reserved_at = NULL, available_at = $2, last_error = $3,
			retry_history = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		job.Delayed, availableAt, lastErr, history, now, rec.Id, job.Processing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrJobLost
	}
	return nil
}

// moveToDLQ atomically deletes the active row and inserts its
// dead-letter counterpart, per the DLQ-atomicity requirement that no
// execution at the final attempt may leave a row in both tables.
func (d *Driver) moveToDLQ(ctx context.Context, cj *claimedJob, exception, stack string, now time.Time) error {
	rec := cj.rec
	history := appendHistory(cj.history, job.RetryEvent{
		Attempt:   rec.Attempts,
		Error:     job.TruncateError(exception),
		OccuredAt: now,
	})

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = $2`, rec.Id, job.Processing)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return queue.ErrJobLost
		}

		var metadata []byte
		_, err = tx.Exec(ctx, `
			INSERT INTO failed_jobs (id, queue, task, priority, max_attempts, timeout_seconds,
				backoff_strategy, retry_delay_seconds, tags, exception, stack_trace, failed_at,
				total_attempts, retry_history, metadata, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			rec.Id, rec.Queue, rec.Task, rec.Priority, rec.MaxAttempts, int64(rec.Timeout/time.Second),
			rec.BackoffStrategy, int64(rec.RetryDelay/time.Second), rec.Tags,
			job.TruncateError(exception), stack, now, rec.Attempts, history, metadata, rec.Payload, rec.CreatedAt)
		return err
	})
}

// ReleaseDelayed implements queue.Driver.
func (d *Driver) ReleaseDelayed(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE status = $3 AND available_at <= $2`,
		job.Pending, now, job.Delayed)
	if err != nil {
		d.log.Error(ctx, "", "release delayed failed", "err", err)
		return 0, nil
	}
	return tag.RowsAffected(), nil
}

// ReleaseStuck implements queue.Driver.
func (d *Driver) ReleaseStuck(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, reserved_at = NULL, updated_at = $2
		WHERE status = $3 AND attempts < max_attempts
			AND EXTRACT(EPOCH FROM ($2 - updated_at)) >= timeout_seconds`,
		job.Pending, now, job.Processing)
	if err != nil {
		d.log.Error(ctx, "", "release stuck failed", "err", err)
		return 0, nil
	}
	return tag.RowsAffected(), nil
}

// FailExceeded implements queue.Driver.
func (d *Driver) FailExceeded(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, reserved_at = NULL, updated_at = $2
		WHERE status = $3 AND attempts >= max_attempts
			AND EXTRACT(EPOCH FROM ($2 - updated_at)) >= timeout_seconds`,
		job.Failed, now, job.Processing)
	if err != nil {
		d.log.Error(ctx, "", "fail exceeded failed", "err", err)
		return 0, nil
	}
	return tag.RowsAffected(), nil
}
