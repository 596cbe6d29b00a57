package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/relational"
	"github.com/lalaz-foundation/queue-engine/job"
)

// Driver is the bun/SQLite-backed queue.Driver implementation.
type Driver struct {
	db       *bun.DB
	clock    queue.Clock
	executor *queue.Executor
	log      *queue.QueueLogger
	defaults relational.Defaults

	// useReturning tracks whether the connected engine accepts the
	// single-statement UPDATE ... RETURNING fast path. It starts true
	// and is latched to false the first time the engine rejects it, so
	// later calls go straight to the BEGIN IMMEDIATE fallback.
	useReturning atomic.Bool
}

// defaultDefaults matches the documented engine defaults (spec.md §6)
// for callers that construct a Driver via New rather than NewWithDefaults.
var defaultDefaults = relational.Defaults{
	MaxAttempts:     3,
	Timeout:         300 * time.Second,
	BackoffStrategy: job.Exponential,
	RetryDelay:      60 * time.Second,
}

// New returns a Driver over db using the documented engine defaults.
// Schema must already be initialized via InitDB. clock defaults to
// queue.SystemClock, log to an emitting-only QueueLogger, when nil.
func New(db *bun.DB, resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger) *Driver {
	return NewWithDefaults(db, resolver, clock, log, defaultDefaults)
}

// NewWithDefaults is New, but lets the caller supply the queue-wide
// fallbacks normally sourced from config.Config (default max attempts,
// job timeout, backoff strategy and retry delay) instead of the
// built-in documented defaults.
func NewWithDefaults(db *bun.DB, resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger, defaults relational.Defaults) *Driver {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if log == nil {
		log = queue.NewQueueLogger(nil, nil)
	}
	d := &Driver{
		db:       db,
		clock:    clock,
		executor: queue.NewExecutor(resolver),
		log:      log,
		defaults: defaults,
	}
	d.useReturning.Store(true)
	return d
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

	model := fromEnqueue(id, queueName, task, payload, status, availableAt,
		r.Priority, r.MaxAttempts, r.Timeout, r.BackoffStrategy, r.RetryDelay, opts.Tags)
	model.CreatedAt = now
	model.UpdatedAt = now

	if _, err := d.db.NewInsert().Model(model).Exec(ctx); err != nil {
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
// eligible row, preferring the UPDATE ... RETURNING fast path.
func (d *Driver) claim(ctx context.Context, queueName string) (*claimedJob, error) {
	if d.useReturning.Load() {
		cj, err := d.claimReturning(ctx, queueName)
		if err == nil {
			return cj, nil
		}
		if !isUnsupportedReturning(err) {
			return nil, err
		}
		d.useReturning.Store(false)
	}
	return d.claimTransactional(ctx, queueName)
}

func isUnsupportedReturning(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "RETURNING")
}

func (d *Driver) claimReturning(ctx context.Context, queueName string) (*claimedJob, error) {
	now := d.clock.Now()
	sub := d.db.NewSelect().
		Model((*jobModel)(nil)).
		Column("id").
		Where("status = ?", job.Pending).
		Where("available_at <= ?", now)
	if queueName != "" {
		sub = sub.Where("queue = ?", queueName)
	}
	sub = sub.Order("priority DESC").Order("created_at ASC").Limit(1)

	var rows []jobModel
	err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Processing).
		Set("attempts = attempts + 1").
		Set("reserved_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = (?)", sub).
		Returning("*").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &claimedJob{rec: rows[0].toRecord(), history: rows[0].RetryHistory}, nil
}

// claimTransactional is the BEGIN IMMEDIATE fallback: a plain SELECT
// under an exclusive write lock, followed by an UPDATE keyed by id.
// Contending claimers are serialized by the exclusive lock rather than
// by the statement itself, so there is no lost-update race.
func (d *Driver) claimTransactional(ctx context.Context, queueName string) (*claimedJob, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, err
	}
	rollback := func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }

	now := d.clock.Now()
	query := "SELECT id FROM jobs WHERE status = ? AND available_at <= ?"
	args := []any{job.Pending, now}
	if queueName != "" {
		query += " AND queue = ?"
		args = append(args, queueName)
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1"

	var id uuid.UUID
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	res, err := conn.ExecContext(ctx,
		"UPDATE jobs SET status = ?, attempts = attempts + 1, reserved_at = ?, updated_at = ? WHERE id = ?",
		job.Processing, now, now, id)
	if err != nil {
		rollback()
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rollback()
		return nil, nil
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, err
	}

	var m jobModel
	if err := d.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}
	return &claimedJob{rec: m.toRecord(), history: m.RetryHistory}, nil
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
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Completed).
		Set("reserved_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", job.Processing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
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
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Delayed).
		Set("reserved_at = NULL").
		Set("available_at = ?", availableAt).
		Set("last_error = ?", lastErr).
		Set("retry_history = ?", history).
		Set("updated_at = ?", now).
		Where("id = ?", rec.Id).
		Where("status = ?", job.Processing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return queue.ErrJobLost
	}
	return nil
}

func appendHistory(existing []byte, event job.RetryEvent) []byte {
	var history []job.RetryEvent
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &history)
	}
	history = append(history, event)
	data, _ := json.Marshal(history)
	return data
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
	rec.UpdatedAt = now

	return d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*jobModel)(nil)).
			Where("id = ?", rec.Id).
			Where("status = ?", job.Processing).
			Exec(ctx)
		if err != nil {
			return err
		}
		if !isAffected(res) {
			return queue.ErrJobLost
		}

		fm := failedModelFromRecord(rec, job.TruncateError(exception), stack, history)
		_, err = tx.NewInsert().Model(fm).Exec(ctx)
		return err
	})
}

// ReleaseDelayed implements queue.Driver.
func (d *Driver) ReleaseDelayed(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Pending).
		Set("updated_at = ?", now).
		Where("status = ?", job.Delayed).
		Where("available_at <= ?", now).
		Exec(ctx)
	if err != nil {
		d.log.Error(ctx, "", "release delayed failed", "err", err)
		return 0, nil
	}
	return getAffected(res), nil
}

// ReleaseStuck implements queue.Driver.
func (d *Driver) ReleaseStuck(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Pending).
		Set("reserved_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", job.Processing).
		Where("attempts < max_attempts").
		Where("(strftime('%s', ?) - strftime('%s', updated_at)) >= timeout_seconds", now).
		Exec(ctx)
	if err != nil {
		d.log.Error(ctx, "", "release stuck failed", "err", err)
		return 0, nil
	}
	return getAffected(res), nil
}

// FailExceeded implements queue.Driver.
func (d *Driver) FailExceeded(ctx context.Context) (int64, error) {
	now := d.clock.Now()
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Failed).
		Set("reserved_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", job.Processing).
		Where("attempts >= max_attempts").
		Where("(strftime('%s', ?) - strftime('%s', updated_at)) >= timeout_seconds", now).
		Exec(ctx)
	if err != nil {
		d.log.Error(ctx, "", "fail exceeded failed", "err", err)
		return 0, nil
	}
	return getAffected(res), nil
}
