package sqlite

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/lalaz-foundation/queue-engine/job"
	"github.com/lalaz-foundation/queue-engine/message"
)

// jobModel is the bun row shape of the active jobs table. Column names
// match the logical schema documented for every backend: queue, task,
// priority, max_attempts, timeout_seconds, backoff_strategy,
// retry_delay_seconds,
// last_error and tags augment the original Pending/Processing/locked
// columns to carry the full Record.
type jobModel struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	Id uuid.UUID `bun:"id,pk,type:uuid"`

	Queue string `bun:"queue,notnull,default:''"`
	Task  string `bun:"task,notnull"`

	Status job.Status `bun:"status,notnull,default:0"`

	Priority    int        `bun:"priority,notnull,default:5"`
	Attempts    uint32     `bun:"attempts,notnull,default:0"`
	MaxAttempts uint32     `bun:"max_attempts,notnull,default:3"`
	TimeoutSecs int64      `bun:"timeout_seconds,notnull,default:300"`

	BackoffStrategy job.BackoffStrategy `bun:"backoff_strategy,notnull,default:0"`
	RetryDelaySecs  int64               `bun:"retry_delay_seconds,notnull,default:60"`

	LastError string   `bun:"last_error,nullzero"`
	Tags      []string `bun:"tags,array"`

	// RetryHistory accumulates one entry per failed attempt, carried
	// forward into failedJobModel.RetryHistory on a dead-letter move.
	RetryHistory []byte `bun:"retry_history,type:jsonb"`

	AvailableAt time.Time  `bun:"available_at,notnull"`
	ReservedAt  *time.Time `bun:"reserved_at,nullzero"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`

	Metadata map[string]any `bun:"metadata,type:jsonb"`
	Payload  []byte         `bun:"payload,type:blob"`
}

func (jm *jobModel) toRecord() *job.Record {
	return &job.Record{
		Message: message.Message{
			Id:       jm.Id,
			Metadata: jm.Metadata,
			Payload:  jm.Payload,
		},
		Queue:           jm.Queue,
		Task:            jm.Task,
		Status:          jm.Status,
		Priority:        jm.Priority,
		Attempts:        jm.Attempts,
		MaxAttempts:     jm.MaxAttempts,
		Timeout:         time.Duration(jm.TimeoutSecs) * time.Second,
		BackoffStrategy: jm.BackoffStrategy,
		RetryDelay:      time.Duration(jm.RetryDelaySecs) * time.Second,
		LastError:       jm.LastError,
		Tags:            jm.Tags,
		AvailableAt:     jm.AvailableAt,
		ReservedAt:      jm.ReservedAt,
		CreatedAt:       jm.CreatedAt,
		UpdatedAt:       jm.UpdatedAt,
	}
}

func fromEnqueue(id uuid.UUID, queueName, task string, payload []byte, status job.Status, availableAt time.Time, priority int, maxAttempts uint32, timeout time.Duration, backoff job.BackoffStrategy, retryDelay time.Duration, tags []string) *jobModel {
	now := time.Now().UTC()
	return &jobModel{
		Id:              id,
		Queue:           queueName,
		Task:            task,
		Payload:         payload,
		Status:          status,
		Priority:        priority,
		MaxAttempts:     maxAttempts,
		TimeoutSecs:     int64(timeout / time.Second),
		BackoffStrategy: backoff,
		RetryDelaySecs:  int64(retryDelay / time.Second),
		Tags:            tags,
		AvailableAt:     availableAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// failedJobModel is the bun row shape of the dead-letter-queue table.
// It carries a full copy of the job's final field values plus the
// terminal failure detail (exception, stack trace, retry history) so
// that dead-lettered jobs can be inspected without the active row.
type failedJobModel struct {
	bun.BaseModel `bun:"table:failed_jobs,alias:f"`

	Id uuid.UUID `bun:"id,pk,type:uuid"`

	Queue string `bun:"queue,notnull,default:''"`
	Task  string `bun:"task,notnull"`

	Priority        int                 `bun:"priority,notnull,default:5"`
	MaxAttempts     uint32              `bun:"max_attempts,notnull"`
	TimeoutSecs     int64               `bun:"timeout_seconds,notnull"`
	BackoffStrategy job.BackoffStrategy `bun:"backoff_strategy,notnull"`
	RetryDelaySecs  int64               `bun:"retry_delay_seconds,notnull"`
	Tags            []string            `bun:"tags,array"`

	Exception     string    `bun:"exception,nullzero"`
	StackTrace    string    `bun:"stack_trace,nullzero"`
	FailedAt      time.Time `bun:"failed_at,nullzero,notnull,default:current_timestamp"`
	TotalAttempts uint32    `bun:"total_attempts,notnull"`
	RetryHistory  []byte    `bun:"retry_history,type:jsonb"`

	Metadata map[string]any `bun:"metadata,type:jsonb"`
	Payload  []byte         `bun:"payload,type:blob"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull"`
}

func failedModelFromRecord(rec *job.Record, exception, stack string, history []byte) *failedJobModel {
	return &failedJobModel{
		Id:              rec.Id,
		Queue:           rec.Queue,
		Task:            rec.Task,
		Priority:        rec.Priority,
		MaxAttempts:     rec.MaxAttempts,
		TimeoutSecs:     int64(rec.Timeout / time.Second),
		BackoffStrategy: rec.BackoffStrategy,
		RetryDelaySecs:  int64(rec.RetryDelay / time.Second),
		Tags:            rec.Tags,
		Exception:       exception,
		StackTrace:      stack,
		FailedAt:        rec.UpdatedAt,
		TotalAttempts:   rec.Attempts,
		RetryHistory:    history,
		Metadata:        rec.Metadata,
		Payload:         rec.Payload,
		CreatedAt:       rec.CreatedAt,
	}
}

func (fm *failedJobModel) toRecord() job.Record {
	return job.Record{
		Message: message.Message{
			Id:       fm.Id,
			Metadata: fm.Metadata,
			Payload:  fm.Payload,
		},
		Queue:           fm.Queue,
		Task:            fm.Task,
		Status:          job.Failed,
		Priority:        fm.Priority,
		Attempts:        fm.TotalAttempts,
		MaxAttempts:     fm.MaxAttempts,
		Timeout:         time.Duration(fm.TimeoutSecs) * time.Second,
		BackoffStrategy: fm.BackoffStrategy,
		RetryDelay:      time.Duration(fm.RetryDelaySecs) * time.Second,
		Tags:            fm.Tags,
		CreatedAt:       fm.CreatedAt,
		UpdatedAt:       fm.FailedAt,
	}
}
