package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/sqlite"
	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

func newDriver(t *testing.T, clock queue.Clock, resolver queue.Resolver) *sqlite.Driver {
	t.Helper()
	db := newTestDB(t)
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.New(db, resolver, clock, nil)
}

func TestEnqueueAndProcessOneSuccess(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	var got string
	reg.Register("greet", func(ctx context.Context, msg *message.Message) error {
		got = string(msg.Payload)
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newDriver(t, clock, reg)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "default", "greet", []byte("hello"), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id.String() == "" {
		t.Fatal("expected non-empty id")
	}

	if err := d.ProcessOne(ctx, "default"); err != nil {
		t.Fatalf("process one: %v", err)
	}
	if got != "hello" {
		t.Fatalf("handler did not run: got %q", got)
	}

	stats, err := d.Stats(ctx, "default")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountByStatus[job.Completed] != 1 {
		t.Fatalf("expected 1 completed job, got %d", stats.CountByStatus[job.Completed])
	}
}

// TestProcessOneOrdersByPriorityThenCreatedAt enqueues A at priority 5,
// then B and C both at priority 9, and asserts claim order B, C, A: the
// ORDER BY priority DESC, created_at ASC claim query ranks both
// priority-9 jobs ahead of the priority-5 one, breaking their tie by
// insertion order.
func TestProcessOneOrdersByPriorityThenCreatedAt(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	var order []string
	reg.Register("job", func(ctx context.Context, msg *message.Message) error {
		order = append(order, string(msg.Payload))
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newDriver(t, clock, reg)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "job", []byte("A"), queue.EnqueueOptions{Priority: 5}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	clock.Advance(time.Millisecond)
	if _, err := d.Enqueue(ctx, "", "job", []byte("B"), queue.EnqueueOptions{Priority: 9}); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	clock.Advance(time.Millisecond)
	if _, err := d.Enqueue(ctx, "", "job", []byte("C"), queue.EnqueueOptions{Priority: 9}); err != nil {
		t.Fatalf("enqueue C: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := d.ProcessOne(ctx, ""); err != nil {
			t.Fatalf("process one %d: %v", i, err)
		}
	}

	want := []string{"B", "C", "A"}
	if len(order) != len(want) {
		t.Fatalf("expected execution order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected execution order %v, got %v", want, order)
		}
	}
}

func TestProcessOneRetriesThenDeadLetters(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	boom := errors.New("boom")
	reg.Register("fail", func(ctx context.Context, msg *message.Message) error {
		return boom
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newDriver(t, clock, reg)
	ctx := context.Background()

	opts := queue.EnqueueOptions{MaxAttempts: 2, RetryDelay: time.Second, BackoffStrategy: job.Fixed}
	id, err := d.Enqueue(ctx, "", "fail", nil, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First attempt: fails, retryable, becomes Delayed.
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one (1): %v", err)
	}
	stats, _ := d.Stats(ctx, "")
	if stats.CountByStatus[job.Delayed] != 1 {
		t.Fatalf("expected job delayed after first failure, got stats %+v", stats)
	}

	// Advance the clock so the retry becomes eligible, then exhaust it.
	clock.Advance(2 * time.Second)
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one (2): %v", err)
	}

	fr, err := d.GetFailedJob(ctx, id)
	if err != nil {
		t.Fatalf("get failed job: %v", err)
	}
	if fr == nil {
		t.Fatal("expected job to be dead-lettered")
	}
	if fr.TotalAttempts != 2 {
		t.Fatalf("expected 2 total attempts, got %d", fr.TotalAttempts)
	}
	if len(fr.RetryHistory) != 2 {
		t.Fatalf("expected 2 retry history entries, got %d", len(fr.RetryHistory))
	}
}

func TestRetryFailedJobRequeues(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("fail", func(ctx context.Context, msg *message.Message) error {
		return errors.New("nope")
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newDriver(t, clock, reg)
	ctx := context.Background()

	id, err := d.Enqueue(ctx, "", "fail", nil, queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one: %v", err)
	}

	ok, err := d.RetryFailedJob(ctx, id)
	if err != nil {
		t.Fatalf("retry failed job: %v", err)
	}
	if !ok {
		t.Fatal("expected retry to succeed")
	}

	if fr, _ := d.GetFailedJob(ctx, id); fr != nil {
		t.Fatal("expected job to no longer be dead-lettered")
	}

	stats, _ := d.Stats(ctx, "")
	if stats.CountByStatus[job.Pending] != 1 {
		t.Fatalf("expected requeued job pending, got stats %+v", stats)
	}
}

func TestReleaseStuckAndFailExceeded(t *testing.T) {
	db := newTestDB(t)
	t.Cleanup(func() { _ = db.Close() })

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := queue.NewFixedClock(start)
	reg := queue.NewHandlerRegistry()
	d := sqlite.New(db, reg, clock, nil)
	ctx := context.Background()

	staleUpdated := start.Add(-time.Hour)
	insertRow := func(attempts, maxAttempts int) {
		_, err := db.ExecContext(ctx, `INSERT INTO jobs
			(id, queue, task, status, priority, attempts, max_attempts, timeout_seconds,
			 backoff_strategy, retry_delay_seconds, available_at, created_at, updated_at)
			VALUES (?, '', 'noop', ?, 5, ?, ?, 1, 0, 60, ?, ?, ?)`,
			uuid.New(), int(job.Processing), attempts, maxAttempts, staleUpdated, staleUpdated, staleUpdated)
		if err != nil {
			t.Fatalf("insert stale row: %v", err)
		}
	}

	insertRow(0, 3) // under budget, should be released back to Pending
	insertRow(3, 3) // exhausted, should be failed outright

	n, err := d.ReleaseStuck(ctx)
	if err != nil {
		t.Fatalf("release stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released row, got %d", n)
	}

	fexc, err := d.FailExceeded(ctx)
	if err != nil {
		t.Fatalf("fail exceeded: %v", err)
	}
	if fexc != 1 {
		t.Fatalf("expected 1 failed row, got %d", fexc)
	}

	stats, err := d.Stats(ctx, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountByStatus[job.Pending] != 1 {
		t.Fatalf("expected 1 pending job, got stats %+v", stats)
	}
	if stats.CountByStatus[job.Failed] != 1 {
		t.Fatalf("expected 1 failed job, got stats %+v", stats)
	}
}

func TestPurgeOldJobs(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ok", func(ctx context.Context, msg *message.Message) error { return nil })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := newDriver(t, clock, reg)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "ok", nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one: %v", err)
	}

	clock.Advance(48 * time.Hour)
	deleted, err := d.PurgeOldJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge old jobs: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 purged record, got %d", deleted)
	}
}
