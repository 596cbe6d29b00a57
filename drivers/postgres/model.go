package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

// jobRow is the scanned shape of a jobs table row. Columns mirror the
// logical schema shared with drivers/sqlite; metadata is carried as raw
// jsonb bytes and decoded lazily by toRecord, matching the pattern used
// for raw pgx scans elsewhere in the retrieved corpus rather than a bun
// model (postgres is queried with hand-written SQL, not bun).
type jobRow struct {
	Id uuid.UUID

	Queue string
	Task  string

	Status job.Status

	Priority    int
	Attempts    uint32
	MaxAttempts uint32
	TimeoutSecs int64

	BackoffStrategy job.BackoffStrategy
	RetryDelaySecs  int64

	LastError string
	Tags      []string

	RetryHistory []byte

	AvailableAt time.Time
	ReservedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Metadata []byte
	Payload  []byte
}

// jobColumns is the column list used by every SELECT against jobs, kept
// in scanJobRow's order.
const jobColumns = `id, queue, task, status, priority, attempts, max_attempts,
	timeout_seconds, backoff_strategy, retry_delay_seconds, last_error, tags,
	retry_history, available_at, reserved_at, created_at, updated_at,
	metadata, payload`

func scanJobRow(row pgx.Row) (*jobRow, error) {
	var r jobRow
	err := row.Scan(
		&r.Id, &r.Queue, &r.Task, &r.Status, &r.Priority, &r.Attempts, &r.MaxAttempts,
		&r.TimeoutSecs, &r.BackoffStrategy, &r.RetryDelaySecs, &r.LastError, &r.Tags,
		&r.RetryHistory, &r.AvailableAt, &r.ReservedAt, &r.CreatedAt, &r.UpdatedAt,
		&r.Metadata, &r.Payload,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *jobRow) toRecord() *job.Record {
	var metadata map[string]any
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &metadata)
	}
	return &job.Record{
		Message: message.Message{
			Id:       r.Id,
			Metadata: metadata,
			Payload:  r.Payload,
		},
		Queue:           r.Queue,
		Task:            r.Task,
		Status:          r.Status,
		Priority:        r.Priority,
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		Timeout:         time.Duration(r.TimeoutSecs) * time.Second,
		BackoffStrategy: r.BackoffStrategy,
		RetryDelay:      time.Duration(r.RetryDelaySecs) * time.Second,
		LastError:       r.LastError,
		Tags:            r.Tags,
		AvailableAt:     r.AvailableAt,
		ReservedAt:      r.ReservedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// failedJobRow is the scanned shape of a failed_jobs row.
type failedJobRow struct {
	Id uuid.UUID

	Queue string
	Task  string

	Priority        int
	MaxAttempts     uint32
	TimeoutSecs     int64
	BackoffStrategy job.BackoffStrategy
	RetryDelaySecs  int64
	Tags            []string

	Exception     string
	StackTrace    string
	FailedAt      time.Time
	TotalAttempts uint32
	RetryHistory  []byte

	Metadata []byte
	Payload  []byte

	CreatedAt time.Time
}

const failedJobColumns = `id, queue, task, priority, max_attempts, timeout_seconds,
	backoff_strategy, retry_delay_seconds, tags, exception, stack_trace, failed_at,
	total_attempts, retry_history, metadata, payload, created_at`

func scanFailedJobRow(row pgx.Row) (*failedJobRow, error) {
	var r failedJobRow
	err := row.Scan(
		&r.Id, &r.Queue, &r.Task, &r.Priority, &r.MaxAttempts, &r.TimeoutSecs,
		&r.BackoffStrategy, &r.RetryDelaySecs, &r.Tags, &r.Exception, &r.StackTrace,
		&r.FailedAt, &r.TotalAttempts, &r.RetryHistory, &r.Metadata, &r.Payload,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *failedJobRow) toFailedRecord() *job.FailedRecord {
	var metadata map[string]any
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &metadata)
	}
	var history []job.RetryEvent
	if len(r.RetryHistory) > 0 {
		_ = json.Unmarshal(r.RetryHistory, &history)
	}
	return &job.FailedRecord{
		Record: job.Record{
			Message: message.Message{
				Id:       r.Id,
				Metadata: metadata,
				Payload:  r.Payload,
			},
			Queue:           r.Queue,
			Task:            r.Task,
			Status:          job.Failed,
			Priority:        r.Priority,
			Attempts:        r.TotalAttempts,
			MaxAttempts:     r.MaxAttempts,
			Timeout:         time.Duration(r.TimeoutSecs) * time.Second,
			BackoffStrategy: r.BackoffStrategy,
			RetryDelay:      time.Duration(r.RetryDelaySecs) * time.Second,
			Tags:            r.Tags,
			CreatedAt:       r.CreatedAt,
			UpdatedAt:       r.FailedAt,
		},
		Exception:     r.Exception,
		StackTrace:    r.StackTrace,
		FailedAt:      r.FailedAt,
		TotalAttempts: r.TotalAttempts,
		RetryHistory:  history,
	}
}

func appendHistory(existing []byte, event job.RetryEvent) []byte {
	var history []job.RetryEvent
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &history)
	}
	history = append(history, event)
	data, _ := json.Marshal(history)
	return data
}
