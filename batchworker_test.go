package queue_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/drivers/memory"
	"github.com/lalaz-foundation/queue-engine/message"
)

func TestBatchWorkerProcessBatchRunsSynchronously(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	processed := make(chan struct{}, 3)
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error {
		processed <- struct{}{}
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Enqueue(ctx, "", "ping", nil, queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	worker := queue.NewBatchWorker(d, queue.BatchWorkerConfig{BatchSize: 3}, slog.Default())
	result, err := worker.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if result.Processed != 3 || result.Successful != 3 {
		t.Fatalf("expected 3 processed/successful, got %+v", result)
	}
	if len(processed) != 3 {
		t.Fatalf("expected handler invoked 3 times, got %d", len(processed))
	}
}

func TestBatchWorkerServeLifecycle(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	handled := make(chan struct{}, 8)
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error {
		handled <- struct{}{}
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))
	ctx := context.Background()

	if _, err := d.Enqueue(ctx, "", "ping", nil, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := queue.NewBatchWorker(d, queue.BatchWorkerConfig{
		BatchSize: 1,
		Interval:  10 * time.Millisecond,
	}, slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := worker.Start(runCtx); err != queue.ErrDoubleStarted {
		t.Fatalf("expected ErrDoubleStarted, got %v", err)
	}

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := worker.Stop(time.Second); err != queue.ErrDoubleStopped {
		t.Fatalf("expected ErrDoubleStopped, got %v", err)
	}
}

func TestBatchWorkerConcurrentProcessOne(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	handled := make(chan struct{}, 8)
	reg.Register("ping", func(ctx context.Context, msg *message.Message) error {
		handled <- struct{}{}
		return nil
	})

	clock := queue.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := memory.New(reg, clock, queue.NewQueueLogger(slog.Default(), nil))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := d.Enqueue(ctx, "", "ping", nil, queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	worker := queue.NewBatchWorker(d, queue.BatchWorkerConfig{
		Interval:    10 * time.Millisecond,
		Concurrency: 2,
	}, slog.Default())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 4 jobs handled", i)
		}
	}

	if err := worker.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
