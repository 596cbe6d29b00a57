package queue_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/memory"
	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

func TestHousekeeperReleasesDelayedJobs(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error { return nil })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "ping", nil, queue.EnqueueOptions{Delay: time.Second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	hk := queue.NewHousekeeper(d, queue.HousekeepingConfig{Interval: 10 * time.Millisecond}, slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hk.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(2 * time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats, err := d.Stats(ctx, "")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.CountByStatus[job.Pending] == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats, err := d.Stats(ctx, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CountByStatus[job.Pending] != 1 {
		t.Fatalf("expected delayed job promoted to pending, got stats %+v", stats)
	}

	if err := hk.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHousekeeperLifecycleErrors(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))

	hk := queue.NewHousekeeper(d, queue.HousekeepingConfig{Interval: time.Second}, slog.Default())

	ctx := context.Background()
	if err := hk.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hk.Start(ctx); err != queue.ErrDoubleStarted {
		t.Fatalf("expected ErrDoubleStarted, got %v", err)
	}

	if err := hk.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := hk.Stop(time.Second); err != queue.ErrDoubleStopped {
		t.Fatalf("expected ErrDoubleStopped, got %v", err)
	}
}

func TestHousekeeperPurgesOldJobs(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error { return nil })

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "ping", nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := d.ProcessOne(ctx, ""); err != nil {
		t.Fatalf("process one: %v", err)
	}

	hk := queue.NewHousekeeper(d, queue.HousekeepingConfig{
		Interval:   10 * time.Millisecond,
		PurgeAfter: 24 * time.Hour,
	}, slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hk.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(48 * time.Hour)

	deadline := time.Now().Add(time.Second)
	var stats queue.Stats
	for time.Now().Before(deadline) {
		var err error
		stats, err = d.Stats(ctx, "")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.CountByStatus[job.Completed] == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if stats.CountByStatus[job.Completed] != 0 {
		t.Fatalf("expected completed job purged, got stats %+v", stats)
	}

	if err := hk.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
