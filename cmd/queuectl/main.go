// Command queuectl is the thin operational surface over a queue.Driver:
// run, batch, stats, failed:list, failed:retry, failed:retry-all,
// purge:old and purge:failed. It carries no business logic of its own
// — task handlers must be registered in-process, so this binary is
// meant to be vendored into an application's own main package rather
// than run standalone against arbitrary payloads. Task registration
// below (registerHandlers) is the one place an embedding application
// would diverge from this file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/config"
	"github.com/lalaz-foundation/queue-engine/drivers/memory"
	"github.com/lalaz-foundation/queue-engine/drivers/postgres"
	"github.com/lalaz-foundation/queue-engine/drivers/relational"
	"github.com/lalaz-foundation/queue-engine/drivers/sqlite"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"database/sql"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func main() {
	log := slog.Default()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.New()
	reg := queue.NewHandlerRegistry()
	registerHandlers(reg)

	driver, closer, err := buildDriver(ctx, cfg, reg, log)
	if err != nil {
		log.Error("driver setup failed", "err", err)
		os.Exit(1)
	}
	defer closer()

	cmd, args := os.Args[1], os.Args[2:]
	if err := dispatch(ctx, cmd, args, driver, cfg, log); err != nil {
		log.Error("command failed", "command", cmd, "err", err)
		os.Exit(1)
	}
}

// registerHandlers is the extension point where an embedding
// application registers its task handlers. It is empty here.
func registerHandlers(reg *queue.HandlerRegistry) {}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: queuectl <command> [flags]

commands:
  run                 process one job at a time until interrupted
  batch               process one bounded batch and exit
  stats               print per-status job counts
  failed:list         list dead-lettered jobs
  failed:retry <id>   requeue one dead-lettered job
  failed:retry-all    requeue every dead-lettered job
  purge:old           delete terminal jobs older than the retention window
  purge:failed        delete every dead-lettered job`)
}

func buildDriver(ctx context.Context, cfg *config.Config, reg queue.Resolver, log *slog.Logger) (queue.Driver, func(), error) {
	defaults := cfg.Defaults()
	noop := func() {}
	qlog := queue.NewQueueLogger(log, nil)

	switch cfg.SelectedDriver() {
	case config.DriverMemory:
		return memory.New(reg, queue.SystemClock{}, qlog), noop, nil

	case config.DriverSkipLock:
		if !relational.ValidTable(cfg.Table()) {
			return nil, noop, fmt.Errorf("%w: %q must match ^[A-Za-z0-9_]+$", queue.ErrInvalidTable, cfg.Table())
		}
		pool, err := postgres.Connect(ctx, cfg.DSN(), postgres.PoolConfig{})
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		d := postgres.NewWithDefaults(pool, reg, queue.SystemClock{}, qlog, defaults)
		return d, pool.Close, nil

	case config.DriverTransactional:
		if !relational.ValidTable(cfg.Table()) {
			return nil, noop, fmt.Errorf("%w: %q must match ^[A-Za-z0-9_]+$", queue.ErrInvalidTable, cfg.Table())
		}
		sqlDB, err := sql.Open("sqlite", cfg.DSN())
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		db := bun.NewDB(sqlDB, sqlitedialect.New())
		if err := sqlite.InitDB(ctx, db); err != nil {
			return nil, noop, fmt.Errorf("init sqlite schema: %w", err)
		}
		d := sqlite.NewWithDefaults(db, reg, queue.SystemClock{}, qlog, defaults)
		return d, func() { _ = db.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unrecognized driver %q", cfg.SelectedDriver())
	}
}

func dispatch(ctx context.Context, cmd string, args []string, driver queue.Driver, cfg *config.Config, log *slog.Logger) error {
	switch cmd {
	case "run":
		return runServe(ctx, args, driver, cfg, log, false)
	case "batch":
		return runServe(ctx, args, driver, cfg, log, true)
	case "stats":
		return cmdStats(ctx, args, driver)
	case "failed:list":
		return cmdFailedList(ctx, args, driver)
	case "failed:retry":
		return cmdFailedRetry(ctx, args, driver)
	case "failed:retry-all":
		return cmdFailedRetryAll(ctx, args, driver)
	case "purge:old":
		return cmdPurgeOld(ctx, args, driver, cfg)
	case "purge:failed":
		return cmdPurgeFailed(ctx, args, driver)
	default:
		usage()
		return fmt.Errorf("unrecognized command %q", cmd)
	}
}

// runServe backs both `run` (oneShot false: serves continuously until
// signaled, one claim per tick) and `batch` (oneShot true: processes a
// single bounded round sized by config.Config.BatchSize/BatchBudget and
// returns) through the same BatchWorker/Housekeeper pair.
func runServe(ctx context.Context, args []string, driver queue.Driver, cfg *config.Config, log *slog.Logger, oneShot bool) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	queueName := fs.String("queue", "", "restrict processing to this queue")
	interval := fs.Duration("interval", time.Second, "polling interval between batches")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hk := queue.NewHousekeeper(driver, queue.HousekeepingConfig{
		Interval:   *interval,
		PurgeAfter: cfg.CleanupAfter(),
	}, log)
	if err := hk.Start(ctx); err != nil {
		return fmt.Errorf("start housekeeper: %w", err)
	}
	defer hk.Stop(10 * time.Second)

	batchSize, budget := 1, time.Duration(0)
	if oneShot {
		batchSize, budget = cfg.BatchSize(), cfg.BatchBudget()
	}
	worker := queue.NewBatchWorker(driver, queue.BatchWorkerConfig{
		Queue:     *queueName,
		BatchSize: batchSize,
		Budget:    budget,
		Interval:  *interval,
	}, log)

	if oneShot {
		result, err := worker.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		log.Info("batch complete",
			"processed", result.Processed,
			"successful", result.Successful,
			"failed", result.Failed,
			"execution_time", result.ExecutionTime)
		return nil
	}

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	<-ctx.Done()
	return worker.Stop(10 * time.Second)
}

func cmdStats(ctx context.Context, args []string, driver queue.Driver) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	queueName := fs.String("queue", "", "restrict to this queue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stats, err := driver.Stats(ctx, *queueName)
	if err != nil {
		return err
	}
	fmt.Printf("queue=%q high_priority=%d avg_attempts=%.2f dlq=%d\n",
		stats.Queue, stats.HighPriorityCount, stats.AvgAttempts, stats.DLQCount)
	for status, count := range stats.CountByStatus {
		fmt.Printf("  %-12s %d\n", status, count)
	}
	return nil
}

func cmdFailedList(ctx context.Context, args []string, driver queue.Driver) error {
	fs := flag.NewFlagSet("failed:list", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "max rows")
	offset := fs.Int("offset", 0, "row offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rows, err := driver.GetFailedJobs(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("%s\tqueue=%s\ttask=%s\tattempts=%d\tfailed_at=%s\texception=%s\n",
			r.Id, r.Queue, r.Task, r.TotalAttempts, r.FailedAt.Format(time.RFC3339), r.Exception)
	}
	return nil
}

func cmdFailedRetry(ctx context.Context, args []string, driver queue.Driver) error {
	if len(args) != 1 {
		return fmt.Errorf("failed:retry requires exactly one job id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	ok, err := driver.RetryFailedJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s not found in the dead-letter queue", id)
	}
	fmt.Printf("requeued %s\n", id)
	return nil
}

func cmdFailedRetryAll(ctx context.Context, args []string, driver queue.Driver) error {
	fs := flag.NewFlagSet("failed:retry-all", flag.ContinueOnError)
	queueName := fs.String("queue", "", "restrict to this queue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := driver.RetryAllFailedJobs(ctx, *queueName)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d jobs\n", n)
	return nil
}

func cmdPurgeOld(ctx context.Context, args []string, driver queue.Driver, cfg *config.Config) error {
	fs := flag.NewFlagSet("purge:old", flag.ContinueOnError)
	days := fs.Int("days", int(cfg.CleanupAfter().Hours()/24), "retention window in days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := driver.PurgeOldJobs(ctx, time.Duration(*days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d jobs\n", n)
	return nil
}

func cmdPurgeFailed(ctx context.Context, args []string, driver queue.Driver) error {
	fs := flag.NewFlagSet("purge:failed", flag.ContinueOnError)
	queueName := fs.String("queue", "", "restrict to this queue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := driver.PurgeFailedJobs(ctx, *queueName)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d dead-lettered jobs\n", n)
	return nil
}
