package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/lalaz-foundation/queue-engine/internal"
)

// BatchWorkerConfig configures a BatchWorker.
type BatchWorkerConfig struct {
	// Queue restricts processing to a single named queue; empty means
	// all queues.
	Queue string
	// BatchSize is the maximum number of jobs processed per
	// ProcessBatch call.
	BatchSize int
	// Budget bounds the wall-clock time spent in a single ProcessBatch
	// call. The running job is never preempted, so the batch may
	// overrun Budget by that job's own runtime.
	Budget time.Duration
	// Interval is how often a started worker re-invokes ProcessBatch (or
	// dispatches a fresh round of claims, when Concurrency > 0).
	Interval time.Duration
	// Concurrency, when > 0, makes a started worker dispatch that many
	// concurrent ProcessOne calls per Interval tick instead of one
	// synchronous ProcessBatch call. Use this to opt into in-process
	// parallelism; a zero value keeps it single-threaded, matching the "jobs are
	// not preemptible" default.
	Concurrency int
}

// BatchWorker drives a Driver's ProcessBatch/ProcessOne operations on a
// schedule. The driver itself owns claim atomicity, retry scheduling and
// DLQ transfer; BatchWorker only decides when and how many jobs to pull
// through it.
//
// BatchWorker has the same strict start/stop lifecycle as Housekeeper:
// Start returns ErrDoubleStarted while the worker is already running,
// and Stop waits for in-flight batches to finish, subject to a timeout.
type BatchWorker struct {
	lcBase
	driver    Driver
	cfg       BatchWorkerConfig
	log       *slog.Logger
	serveTask internal.TimerTask
	pool      *internal.WorkerPool[struct{}]
}

// NewBatchWorker returns a BatchWorker driving driver per cfg.
func NewBatchWorker(driver Driver, cfg BatchWorkerConfig, log *slog.Logger) *BatchWorker {
	w := &BatchWorker{
		driver: driver,
		cfg:    cfg,
		log:    log,
	}
	if cfg.Concurrency > 0 {
		w.pool = internal.NewWorkerPool[struct{}](cfg.Concurrency, cfg.Concurrency, log)
	}
	return w
}

// ProcessBatch runs a single batch synchronously and returns its
// aggregate result, bypassing the Start schedule. It may be called
// whether or not the worker is running, matching the `batch`
// operational-surface command.
func (w *BatchWorker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	return w.driver.ProcessBatch(ctx, w.cfg.BatchSize, w.cfg.Queue, w.cfg.Budget)
}

func (w *BatchWorker) tick(ctx context.Context) {
	if w.pool == nil {
		result, err := w.ProcessBatch(ctx)
		if err != nil {
			w.log.Error("batch failed", "err", err)
			return
		}
		w.log.Info("batch complete",
			"processed", result.Processed,
			"successful", result.Successful,
			"failed", result.Failed,
			"execution_time", result.ExecutionTime)
		return
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		if !w.pool.Push(struct{}{}) {
			return
		}
	}
}

func (w *BatchWorker) claimOne(ctx context.Context, _ struct{}) {
	if err := w.driver.ProcessOne(ctx, w.cfg.Queue); err != nil {
		w.log.Error("claim failed", "err", err)
	}
}

// Start begins invoking ProcessBatch (or, with Concurrency > 0,
// dispatching concurrent ProcessOne calls) every Interval.
//
// Start returns ErrDoubleStarted if already running. The provided
// context controls cancellation; canceling it stops the schedule and,
// for the concurrent mode, cancels in-flight claim contexts.
func (w *BatchWorker) Start(ctx context.Context) error {
	if err := w.tryStart(); err != nil {
		return err
	}
	if w.pool != nil {
		w.pool.Start(ctx, w.claimOne)
	}
	w.serveTask.Start(ctx, w.tick, w.cfg.Interval)
	return nil
}

func (w *BatchWorker) doStop() internal.DoneChan {
	first := w.serveTask.Stop()
	if w.pool == nil {
		return first
	}
	return internal.Combine(first, w.pool.Stop())
}

// Stop initiates graceful shutdown: the schedule is stopped and, if
// running, the concurrent claim pool is drained. Stop returns
// ErrStopTimeout if shutdown does not complete within timeout, and
// ErrDoubleStopped if the worker is not running.
func (w *BatchWorker) Stop(timeout time.Duration) error {
	return w.tryStop(timeout, w.doStop)
}
