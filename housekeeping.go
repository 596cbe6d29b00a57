package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/lalaz-foundation/queue-engine/internal"
)

// HousekeepingConfig configures a Housekeeper.
//
// Interval defines how often the four sweeps run.
//
// PurgeAfter defines the terminal-record age threshold passed to
// PurgeOldJobs on each sweep. A zero value disables purging.
type HousekeepingConfig struct {
	Interval   time.Duration
	PurgeAfter time.Duration
}

// Housekeeper periodically runs a Driver's background sweeps:
// ReleaseDelayed, ReleaseStuck, FailExceeded, and (if configured)
// PurgeOldJobs.
//
// Housekeeper does not participate in job execution and does not
// affect claim leases directly; it only reaps rows that handlers never
// finished and promotes rows whose delay has elapsed.
//
// Housekeeper has the same strict start/stop lifecycle as BatchWorker.
type Housekeeper struct {
	lcBase
	driver Driver
	task   internal.TimerTask
	log    *slog.Logger
	cfg    HousekeepingConfig
}

// NewHousekeeper returns a Housekeeper sweeping driver per cfg.
func NewHousekeeper(driver Driver, cfg HousekeepingConfig, log *slog.Logger) *Housekeeper {
	return &Housekeeper{
		driver: driver,
		log:    log,
		cfg:    cfg,
	}
}

func (h *Housekeeper) sweep(ctx context.Context) {
	if n, err := h.driver.ReleaseDelayed(ctx); err != nil {
		h.log.Error("release delayed failed", "err", err)
	} else if n > 0 {
		h.log.Info("released delayed jobs", "count", n)
	}

	if n, err := h.driver.ReleaseStuck(ctx); err != nil {
		h.log.Error("release stuck failed", "err", err)
	} else if n > 0 {
		h.log.Info("released stuck jobs", "count", n)
	}

	if n, err := h.driver.FailExceeded(ctx); err != nil {
		h.log.Error("fail exceeded failed", "err", err)
	} else if n > 0 {
		h.log.Info("failed exceeded jobs", "count", n)
	}

	if h.cfg.PurgeAfter <= 0 {
		return
	}
	if n, err := h.driver.PurgeOldJobs(ctx, h.cfg.PurgeAfter); err != nil {
		h.log.Error("purge old jobs failed", "err", err)
	} else if n > 0 {
		h.log.Info("purged old jobs", "count", n)
	}
}

// Start begins periodic execution of the housekeeping sweeps.
//
// Start returns ErrDoubleStarted if the Housekeeper has already been
// started.
func (h *Housekeeper) Start(ctx context.Context) error {
	if err := h.tryStart(); err != nil {
		return err
	}
	h.task.Start(ctx, h.sweep, h.cfg.Interval)
	return nil
}

// Stop terminates the background sweep task, waiting until it finishes
// or timeout expires.
//
// Stop returns ErrStopTimeout if shutdown does not complete in time,
// and ErrDoubleStopped if the Housekeeper is not running.
func (h *Housekeeper) Stop(timeout time.Duration) error {
	return h.tryStop(timeout, h.task.Stop)
}
