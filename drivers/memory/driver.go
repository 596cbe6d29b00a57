// Package memory provides an in-process Driver backed by a mutex-guarded
// map, with no SQL dependency. Claim is trivially serialized by the
// single mutex; delayed promotion happens on every ProcessOne and
// ProcessBatch call. It does not persist across restarts and is
// intended for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

// Defaults carries the queue-wide fallbacks (normally sourced from
// config.Config) that Enqueue substitutes for an EnqueueOptions' zero
// fields.
type Defaults struct {
	MaxAttempts     uint32
	Timeout         time.Duration
	BackoffStrategy job.BackoffStrategy
	RetryDelay      time.Duration
}

var defaultDefaults = Defaults{
	MaxAttempts:     3,
	Timeout:         300 * time.Second,
	BackoffStrategy: job.Exponential,
	RetryDelay:      60 * time.Second,
}

// Driver is the in-memory queue.Driver implementation.
type Driver struct {
	mu       sync.Mutex
	clock    queue.Clock
	executor *queue.Executor
	log      *queue.QueueLogger
	defaults Defaults

	records map[uuid.UUID]*job.Record
	order   []uuid.UUID // insertion order, used only to break CreatedAt ties deterministically
	failed  map[uuid.UUID]*job.FailedRecord
	history map[uuid.UUID][]job.RetryEvent
}

// New returns an empty Driver using the documented engine defaults.
// clock defaults to queue.SystemClock when nil, and log defaults to
// an emitting-only QueueLogger when nil.
func New(resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger) *Driver {
	return NewWithDefaults(resolver, clock, log, defaultDefaults)
}

// NewWithDefaults is New, but lets the caller supply the queue-wide
// fallbacks normally sourced from config.Config instead of the
// built-in documented defaults.
func NewWithDefaults(resolver queue.Resolver, clock queue.Clock, log *queue.QueueLogger, defaults Defaults) *Driver {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if log == nil {
		log = queue.NewQueueLogger(nil, nil)
	}
	return &Driver{
		clock:    clock,
		executor: queue.NewExecutor(resolver),
		log:      log,
		defaults: defaults,
		records:  make(map[uuid.UUID]*job.Record),
		failed:   make(map[uuid.UUID]*job.FailedRecord),
		history:  make(map[uuid.UUID][]job.RetryEvent),
	}
}

// Enqueue implements queue.Driver.
func (d *Driver) Enqueue(ctx context.Context, queueName, task string, payload []byte, opts queue.EnqueueOptions) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	backoff := opts.BackoffStrategy
	if backoff == job.Unspecified {
		backoff = d.defaults.BackoffStrategy
	}

	priority := opts.Priority
	if priority == job.PriorityUnspecified {
		priority = job.DefaultPriority
	}

	now := d.clock.Now()
	rec := &job.Record{
		Message: message.Message{
			Id:      uuid.New(),
			Payload: payload,
		},
		Queue:           queueName,
		Task:            task,
		Priority:        job.ClampPriority(priority),
		MaxAttempts:     valueOrU32(opts.MaxAttempts, d.defaults.MaxAttempts),
		Timeout:         valueOrDuration(opts.Timeout, d.defaults.Timeout),
		BackoffStrategy: backoff,
		RetryDelay:      valueOrDuration(opts.RetryDelay, d.defaults.RetryDelay),
		Tags:            opts.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if opts.Delay > 0 {
		rec.Status = job.Delayed
		rec.AvailableAt = now.Add(opts.Delay)
	} else {
		rec.Status = job.Pending
		rec.AvailableAt = now
	}

	d.records[rec.Id] = rec
	d.order = append(d.order, rec.Id)
	return rec.Id, nil
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

// releaseDelayedLocked promotes due Delayed records to Pending. Caller
// must hold d.mu.
func (d *Driver) releaseDelayedLocked(now time.Time) int64 {
	var n int64
	for _, rec := range d.records {
		if rec.Status == job.Delayed && !rec.AvailableAt.After(now) {
			rec.Status = job.Pending
			rec.UpdatedAt = now
			n++
		}
	}
	return n
}

// ReleaseDelayed implements queue.Driver.
func (d *Driver) ReleaseDelayed(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releaseDelayedLocked(d.clock.Now()), nil
}

// ReleaseStuck implements queue.Driver.
func (d *Driver) ReleaseStuck(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var n int64
	for _, rec := range d.records {
		if rec.Status != job.Processing {
			continue
		}
		if now.Sub(rec.UpdatedAt) < rec.Timeout {
			continue
		}
		if rec.Attempts >= rec.MaxAttempts {
			continue
		}
		rec.Status = job.Pending
		rec.ReservedAt = nil
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

// FailExceeded implements queue.Driver.
func (d *Driver) FailExceeded(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var n int64
	for _, rec := range d.records {
		if rec.Status != job.Processing {
			continue
		}
		if now.Sub(rec.UpdatedAt) < rec.Timeout {
			continue
		}
		if rec.Attempts < rec.MaxAttempts {
			continue
		}
		rec.Status = job.Failed
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

// claimLocked selects and marks Processing the highest-priority,
// oldest eligible Pending record in queueName (all queues if empty).
// Caller must hold d.mu.
func (d *Driver) claimLocked(queueName string, now time.Time) *job.Record {
	var best *job.Record
	for _, id := range d.order {
		rec, ok := d.records[id]
		if !ok {
			continue
		}
		if rec.Status != job.Pending {
			continue
		}
		if queueName != "" && rec.Queue != queueName {
			continue
		}
		if rec.AvailableAt.After(now) {
			continue
		}
		if best == nil || higherPriority(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	best.Status = job.Processing
	best.Attempts++
	best.ReservedAt = &now
	best.UpdatedAt = now
	return best
}

func higherPriority(a, b *job.Record) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ProcessOne implements queue.Driver.
func (d *Driver) ProcessOne(ctx context.Context, queueName string) error {
	d.mu.Lock()
	now := d.clock.Now()
	d.releaseDelayedLocked(now)
	rec := d.claimLocked(queueName, now)
	d.mu.Unlock()

	if rec == nil {
		return nil
	}
	d.run(ctx, rec)
	return nil
}

// ProcessBatch implements queue.Driver.
func (d *Driver) ProcessBatch(ctx context.Context, n int, queueName string, budget time.Duration) (queue.BatchResult, error) {
	start := d.clock.Now()

	d.mu.Lock()
	d.releaseDelayedLocked(d.clock.Now())
	d.mu.Unlock()

	var result queue.BatchResult
	for {
		if n > 0 && result.Processed >= n {
			break
		}
		if budget > 0 && d.clock.Since(start) >= budget {
			break
		}

		d.mu.Lock()
		now := d.clock.Now()
		rec := d.claimLocked(queueName, now)
		d.mu.Unlock()
		if rec == nil {
			break
		}

		if d.run(ctx, rec) {
			result.Successful++
		} else {
			result.Failed++
		}
		result.Processed++
	}
	result.ExecutionTime = d.clock.Since(start)
	return result, nil
}

// run executes rec and applies the outcome, returning true on success.
func (d *Driver) run(ctx context.Context, rec *job.Record) bool {
	res := d.executor.Execute(ctx, rec)
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if res.Outcome == queue.OutcomeSuccess {
		if !job.CanTransition(rec.Status, job.Completed) {
			d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Completed, "err", queue.ErrInvariantViolation)
			return false
		}
		rec.Status = job.Completed
		rec.UpdatedAt = now
		return true
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	rec.LastError = job.TruncateError(errMsg)
	d.history[rec.Id] = append(d.history[rec.Id], job.RetryEvent{
		Attempt:   rec.Attempts,
		Error:     rec.LastError,
		OccuredAt: now,
	})

	if rec.Attempts >= rec.MaxAttempts {
		if !job.CanTransition(rec.Status, job.Failed) {
			d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Failed, "err", queue.ErrInvariantViolation)
			return false
		}
		d.moveToDLQLocked(rec, errMsg, res.StackTrace, now)
		return false
	}

	if !job.CanTransition(rec.Status, job.Delayed) {
		d.log.Error(ctx, rec.Id.String(), "invariant violation", "from", rec.Status, "to", job.Delayed, "err", queue.ErrInvariantViolation)
		return false
	}
	delay := queue.Delay(rec.BackoffStrategy, rec.RetryDelay, int(rec.Attempts))
	rec.Status = job.Delayed
	rec.ReservedAt = nil
	rec.AvailableAt = now.Add(delay)
	rec.UpdatedAt = now
	return false
}

// moveToDLQLocked atomically (with respect to d.mu, the driver's sole
// write barrier) deletes rec from the active set and inserts a
// FailedRecord. Caller must hold d.mu.
func (d *Driver) moveToDLQLocked(rec *job.Record, exception, stack string, now time.Time) {
	rec.Status = job.Failed
	rec.UpdatedAt = now

	history := d.history[rec.Id]
	delete(d.history, rec.Id)
	delete(d.records, rec.Id)

	d.failed[rec.Id] = &job.FailedRecord{
		Record:        *rec,
		Exception:     exception,
		StackTrace:    stack,
		FailedAt:      now,
		TotalAttempts: rec.Attempts,
		RetryHistory:  history,
	}
}

// Stats implements queue.Driver.
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := queue.Stats{
		Queue:         queueName,
		CountByStatus: make(map[job.Status]int64),
	}
	var totalAttempts int64
	var count int64
	for _, rec := range d.records {
		if queueName != "" && rec.Queue != queueName {
			continue
		}
		stats.CountByStatus[rec.Status]++
		if rec.Priority >= 8 {
			stats.HighPriorityCount++
		}
		totalAttempts += int64(rec.Attempts)
		count++
	}
	if count > 0 {
		stats.AvgAttempts = float64(totalAttempts) / float64(count)
	}
	for _, fr := range d.failed {
		if queueName != "" && fr.Queue != queueName {
			continue
		}
		stats.DLQCount++
	}
	return stats, nil
}

// GetFailedJobs implements queue.Driver.
func (d *Driver) GetFailedJobs(ctx context.Context, limit, offset int) ([]*job.FailedRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := make([]*job.FailedRecord, 0, len(d.failed))
	for _, fr := range d.failed {
		all = append(all, fr)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].FailedAt.After(all[j].FailedAt)
	})

	if offset > len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*job.FailedRecord, len(all))
	copy(out, all)
	return out, nil
}

// GetFailedJob implements queue.Driver.
func (d *Driver) GetFailedJob(ctx context.Context, id uuid.UUID) (*job.FailedRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fr, ok := d.failed[id]
	if !ok {
		return nil, nil
	}
	cp := *fr
	return &cp, nil
}

// RetryFailedJob implements queue.Driver.
func (d *Driver) RetryFailedJob(ctx context.Context, id uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fr, ok := d.failed[id]
	if !ok {
		return false, nil
	}
	now := d.clock.Now()
	rec := fr.Record
	rec.Status = job.Pending
	rec.ReservedAt = nil
	rec.AvailableAt = now
	rec.UpdatedAt = now
	d.records[id] = &rec
	delete(d.failed, id)
	d.order = append(d.order, id)
	return true, nil
}

// RetryAllFailedJobs implements queue.Driver.
func (d *Driver) RetryAllFailedJobs(ctx context.Context, queueName string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var n int64
	for id, fr := range d.failed {
		if queueName != "" && fr.Queue != queueName {
			continue
		}
		rec := fr.Record
		rec.Status = job.Pending
		rec.ReservedAt = nil
		rec.AvailableAt = now
		rec.UpdatedAt = now
		d.records[id] = &rec
		delete(d.failed, id)
		d.order = append(d.order, id)
		n++
	}
	return n, nil
}

// PurgeOldJobs implements queue.Driver.
func (d *Driver) PurgeOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.clock.Now().Add(-olderThan)
	var n int64
	for id, rec := range d.records {
		if !isTerminal(rec.Status) {
			continue
		}
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		delete(d.records, id)
		n++
	}
	for id, fr := range d.failed {
		if fr.FailedAt.After(cutoff) {
			continue
		}
		delete(d.failed, id)
		n++
	}
	return n, nil
}

// PurgeFailedJobs implements queue.Driver.
func (d *Driver) PurgeFailedJobs(ctx context.Context, queueName string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, fr := range d.failed {
		if queueName != "" && fr.Queue != queueName {
			continue
		}
		delete(d.failed, id)
		n++
	}
	return n, nil
}

func isTerminal(s job.Status) bool {
	return s == job.Completed || s == job.Failed
}
