package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	queue "github.com/lalaz-foundation/queue-engine"
	"github.com/lalaz-foundation/queue-engine/job"
)

// Stats implements queue.Driver.
func (d *Driver) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	stats := queue.Stats{Queue: queueName, CountByStatus: map[job.Status]int64{}}

	statusQuery := `SELECT status, count(*) FROM jobs WHERE ($1 = '' OR queue = $1) GROUP BY status`
	rows, err := d.pool.Query(ctx, statusQuery, queueName)
	if err != nil {
		return queue.Stats{}, err
	}
	for rows.Next() {
		var status job.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return queue.Stats{}, err
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, err
	}

	var highPriority int64
	if err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE priority >= 8 AND ($1 = '' OR queue = $1)`,
		queueName).Scan(&highPriority); err != nil {
		return queue.Stats{}, err
	}
	stats.HighPriorityCount = highPriority

	if err := d.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(attempts), 0) FROM jobs WHERE ($1 = '' OR queue = $1)`,
		queueName).Scan(&stats.AvgAttempts); err != nil {
		return queue.Stats{}, err
	}

	var dlqCount int64
	if err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM failed_jobs WHERE ($1 = '' OR queue = $1)`,
		queueName).Scan(&dlqCount); err != nil {
		return queue.Stats{}, err
	}
	stats.DLQCount = dlqCount

	return stats, nil
}

// GetFailedJobs implements queue.Driver.
func (d *Driver) GetFailedJobs(ctx context.Context, limit, offset int) ([]*job.FailedRecord, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+failedJobColumns+`
		FROM failed_jobs ORDER BY failed_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*job.FailedRecord, 0, limit)
	for rows.Next() {
		r, err := scanFailedJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r.toFailedRecord())
	}
	return out, rows.Err()
}

// GetFailedJob implements queue.Driver.
func (d *Driver) GetFailedJob(ctx context.Context, id uuid.UUID) (*job.FailedRecord, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+failedJobColumns+` FROM failed_jobs WHERE id = $1`, id)
	r, err := scanFailedJobRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r.toFailedRecord(), nil
}

// RetryFailedJob implements queue.Driver.
//
// The active-row reinsertion and the dead-letter delete run inside a
// single transaction: a crash between the two steps must not leave the
// job present in neither table nor in both.
func (d *Driver) RetryFailedJob(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+failedJobColumns+` FROM failed_jobs WHERE id = $1`, id)
		fm, err := scanFailedJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}

		now := d.clock.Now()
		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (id, queue, task, status, priority, attempts, max_attempts,
				timeout_seconds, backoff_strategy, retry_delay_seconds, tags, retry_history,
				available_at, created_at, updated_at, metadata, payload)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $12, $13, $12, $14, $15)`,
			fm.Id, fm.Queue, fm.Task, job.Pending, fm.Priority, fm.MaxAttempts,
			fm.TimeoutSecs, fm.BackoffStrategy, fm.RetryDelaySecs, fm.Tags, fm.RetryHistory,
			now, fm.CreatedAt, fm.Metadata, fm.Payload)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
		if err != nil {
			return err
		}
		ok = tag.RowsAffected() != 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RetryAllFailedJobs implements queue.Driver.
func (d *Driver) RetryAllFailedJobs(ctx context.Context, queueName string) (int64, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id FROM failed_jobs WHERE ($1 = '' OR queue = $1)`, queueName)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM jobs WHERE status IN ($1, $2) AND updated_at < $3`,
			job.Completed, job.Failed, cutoff)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM failed_jobs WHERE failed_at < $1`, cutoff)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// PurgeFailedJobs implements queue.Driver.
func (d *Driver) PurgeFailedJobs(ctx context.Context, queueName string) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM failed_jobs WHERE ($1 = '' OR queue = $1)`, queueName)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
