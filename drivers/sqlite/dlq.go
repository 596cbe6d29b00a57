package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/job"
)

// Stats implements queue.Driver.
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName, CountByStatus: map[job.Status]int64{}}

	var rows []struct {
		Status job.Status `bun:"status"`
		Count  int64      `bun:"count"`
	}
	q := d.db.NewSelect().
		Model((*jobModel)(nil)).
		ColumnExpr("status").
		ColumnExpr("count(*) AS count").
		Group("status")
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return queue.Stats{}, err
	}
	for _, r := range rows {
		stats.CountByStatus[r.Status] = r.Count
	}

	hq := d.db.NewSelect().Model((*jobModel)(nil)).Where("priority >= ?", 8)
	if queueName != "" {
		hq = hq.Where("queue = ?", queueName)
	}
	count, err := hq.Count(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	stats.HighPriorityCount = int64(count)

	var avg float64
	aq := d.db.NewSelect().
		Model((*jobModel)(nil)).
		ColumnExpr("COALESCE(AVG(attempts), 0)")
	if queueName != "" {
		aq = aq.Where("queue = ?", queueName)
	}
	if err := aq.Scan(ctx, &avg); err != nil {
		return queue.Stats{}, err
	}
	stats.AvgAttempts = avg

	dq := d.db.NewSelect().Model((*failedJobModel)(nil))
	if queueName != "" {
		dq = dq.Where("queue = ?", queueName)
	}
	dlqCount, err := dq.Count(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	stats.DLQCount = int64(dlqCount)

	return stats, nil
}

// GetFailedJobs implements queue.Driver.
func (d *Driver) GetFailedJobs(ctx context.Context, limit, offset int) ([]*job.FailedRecord, error) {
	var rows []failedJobModel
	err := d.db.NewSelect().
		Model(&rows).
		Order("failed_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*job.FailedRecord, 0, len(rows))
	for i := range rows {
		fr := toFailedRecord(&rows[i])
		out = append(out, fr)
	}
	return out, nil
}

// GetFailedJob implements queue.Driver.
func (d *Driver) GetFailedJob(ctx context.Context, id uuid.UUID) (*job.FailedRecord, error) {
	var fm failedJobModel
	err := d.db.NewSelect().Model(&fm).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return toFailedRecord(&fm), nil
}

func toFailedRecord(fm *failedJobModel) *job.FailedRecord {
	rec := fm.toRecord()
	var history []job.RetryEvent
	if len(fm.RetryHistory) > 0 {
		_ = json.Unmarshal(fm.RetryHistory, &history)
	}
	return &job.FailedRecord{
		Record:        rec,
		Exception:     fm.Exception,
		StackTrace:    fm.StackTrace,
		FailedAt:      fm.FailedAt,
		TotalAttempts: fm.TotalAttempts,
		RetryHistory:  history,
	}
}

// RetryFailedJob implements queue.Driver.
//
// The active-row reinsertion and the dead-letter delete run inside a
// single transaction: a crash between the two steps must not leave the
// job present in neither table nor in both.
func (d *Driver) RetryFailedJob(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var fm failedJobModel
		err := tx.NewSelect().Model(&fm).Where("id = ?", id).Scan(ctx)
		if err != nil {
			return nil
		}

		now := d.clock.Now()
		jm := &jobModel{
			Id:              fm.Id,
			Queue:           fm.Queue,
			Task:            fm.Task,
			Status:          job.Pending,
			Priority:        fm.Priority,
			Attempts:        0,
			MaxAttempts:     fm.MaxAttempts,
			TimeoutSecs:     fm.TimeoutSecs,
			BackoffStrategy: fm.BackoffStrategy,
			RetryDelaySecs:  fm.RetryDelaySecs,
			Tags:            fm.Tags,
			RetryHistory:    fm.RetryHistory,
			AvailableAt:     now,
			CreatedAt:       fm.CreatedAt,
			UpdatedAt:       now,
			Metadata:        fm.Metadata,
			Payload:         fm.Payload,
		}
		if _, err := tx.NewInsert().Model(jm).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*failedJobModel)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		ok = isAffected(res)
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RetryAllFailedJobs implements queue.Driver.
func (d *Driver) RetryAllFailedJobs(ctx context.Context, queueName string) (int64, error) {
	q := d.db.NewSelect().Model((*failedJobModel)(nil)).Column("id")
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	var ids []uuid.UUID
	if err := q.Scan(ctx, &ids); err != nil {
		return 0, err
	}

	var retried int64
	for _, id := range ids {
		ok, err := d.RetryFailedJob(ctx, id)
		if err != nil {
			d.log.Error(ctx, id.String(), "retry failed job failed", "err", err)
			continue
		}
		if ok {
			retried++
		}
	}
	return retried, nil
}

// PurgeOldJobs implements queue.Driver.
//
// The active-table and dead-letter-table deletes run inside a single
// transaction so a purge that is interrupted midway leaves neither
// table half-cleaned relative to the other.
func (d *Driver) PurgeOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := d.clock.Now().Add(-olderThan)
	var total int64
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*jobModel)(nil)).
			Where("status IN (?)", bun.In([]job.Status{job.Completed, job.Failed})).
			Where("updated_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return err
		}
		total += getAffected(res)

		res, err = tx.NewDelete().
			Model((*failedJobModel)(nil)).
			Where("failed_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return err
		}
		total += getAffected(res)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// PurgeFailedJobs implements queue.Driver.
func (d *Driver) PurgeFailedJobs(ctx context.Context, queueName string) (int64, error) {
	q := d.db.NewDelete().Model((*failedJobModel)(nil))
	if queueName != "" {
		q = q.Where("queue = ?", queueName)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return getAffected(res), nil
}
