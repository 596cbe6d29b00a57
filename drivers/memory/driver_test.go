package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/memory"
	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

func TestEnqueueAndProcessOneSuccess(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	var got string
	reg.Register("greet", func(ctx context.Context, msg *message.Message) error {
		got = string(msg.Payload)
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
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
// two priority-9 jobs run before the priority-5 one, and the tie between
// B and C is broken by insertion (created_at) order.
func TestProcessOneOrdersByPriorityThenCreatedAt(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	var order []string
	reg.Register("job", func(ctx context.Context, msg *message.Message) error {
		order = append(order, string(msg.Payload))
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "job", []byte("A"), queue.EnqueueOptions{Priority: 5}); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if _, err := d.Enqueue(ctx, "", "job", []byte("B"), queue.EnqueueOptions{Priority: 9}); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
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

func TestEnqueueAppliesBackoffDefaultWhenUnspecified(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("fail", func(ctx context.Context, msg *message.Message) error { return errors.New("boom") })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	// No BackoffStrategy supplied: should resolve to the configured
	// default (job.Exponential) rather than staying job.Unspecified.
	// A single failing attempt dead-letters the job so the stored
	// strategy can be read back through GetFailedJob.
	id, err := d.Enqueue(ctx, "", "fail", nil, queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one: %v", err)
	}

	fr, err := d.GetFailedJob(ctx, id)
	if err != nil {
		t.Fatalf("get failed job: %v", err)
	}
	if fr == nil {
		t.Fatal("expected the job to be dead-lettered")
	}
	if fr.BackoffStrategy != job.Exponential {
		t.Fatalf("expected backoff %v, got %v", job.Exponential, fr.BackoffStrategy)
	}
}

func TestProcessOneRetriesThenDeadLetters(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	boom := errors.New("boom")
	reg.Register("fail", func(ctx context.Context, msg *message.Message) error {
		return boom
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	opts := queue.EnqueueOptions{MaxAttempts: 2, RetryDelay: time.Second, BackoffStrategy: job.Fixed}
	id, err := d.Enqueue(ctx, "", "fail", nil, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one (1): %v", err)
	}
	stats, _ := d.Stats(ctx, "")
	if stats.CountByStatus[job.Delayed] != 1 {
		t.Fatalf("expected job delayed after first failure, got stats %+v", stats)
	}

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
	d := memory.New(reg, clock, nil)
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

func TestProcessBatchRespectsSize(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ok", func(ctx context.Context, msg *message.Message) error { return nil })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := d.Enqueue(ctx, "", "ok", nil, queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	result, err := d.ProcessBatch(ctx, 3, "", 0)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Processed != 3 {
		t.Fatalf("expected 3 processed (bounded by size), got %d", result.Processed)
	}

	result, err = d.ProcessBatch(ctx, 0, "", 0)
	if err != nil {
		t.Fatalf("process batch (remainder): %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("expected remaining 2 processed, got %d", result.Processed)
	}
}

// TestProcessBatchRespectsBudget drives the clock forward from inside the
// handler, so the elapsed-time check between claims sees a budget that
// has already expired and breaks out before a second job is claimed, even
// though n and the queue both have more eligible work available.
func TestProcessBatchRespectsBudget(t *testing.T) {
	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := queue.NewHandlerRegistry()
	reg.Register("slow", func(ctx context.Context, msg *message.Message) error {
		clock.Advance(time.Second)
		return nil
	})

	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := d.Enqueue(ctx, "", "slow", nil, queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	result, err := d.ProcessBatch(ctx, 5, "", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected exactly 1 processed before budget elapsed, got %d", result.Processed)
	}
	if result.ExecutionTime < time.Second {
		t.Fatalf("expected execution time to reflect the clock advance, got %v", result.ExecutionTime)
	}
}

// TestReleaseStuckAndFailExceeded holds two jobs in Processing by
// blocking their handlers on a channel, advances the clock past their
// Timeout, and confirms ReleaseStuck recovers the one with attempts
// remaining while FailExceeded marks the exhausted one Failed in place.
func TestReleaseStuckAndFailExceeded(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := queue.NewFixedClock(start)
	reg := queue.NewHandlerRegistry()

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	reg.Register("block", func(ctx context.Context, msg *message.Message) error {
		entered <- struct{}{}
		<-release
		return nil
	})

	d := memory.New(reg, clock, nil)
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "block", nil, queue.EnqueueOptions{MaxAttempts: 3, Timeout: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := d.Enqueue(ctx, "", "block", nil, queue.EnqueueOptions{MaxAttempts: 1, Timeout: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = d.ProcessOne(ctx, "")
		done <- struct{}{}
	}()
	go func() {
		_ = d.ProcessOne(ctx, "")
		done <- struct{}{}
	}()
	<-entered
	<-entered

	clock.Advance(2 * time.Minute)

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

	close(release)
	<-done
	<-done
}

func TestPurgeOldJobs(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ok", func(ctx context.Context, msg *message.Message) error { return nil })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, nil)
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
