package queue

import (
	"context"
	"log/slog"

	"github.com/lalaz-foundation/queue-engine/job"
)

// LogSink persists job.LogEntry rows, for backends that expose a
// job_logs table. QueueLogger calls it in addition to, never instead
// of, its slog output.
type LogSink interface {
	Log(ctx context.Context, entry job.LogEntry) error
}

// QueueLogger wraps a *slog.Logger with an optional LogSink so that
// job-scoped log lines are both emitted to the process log and, when a
// sink is configured, persisted alongside the job record. Driver
// implementations accept a QueueLogger rather than a bare *slog.Logger
// so that per-job context (job id) is attached consistently at every
// call site where a failure is tied to a specific record; an empty
// jobID marks a queue-wide event with no single record to blame.
type QueueLogger struct {
	log  *slog.Logger
	sink LogSink
}

// NewQueueLogger wraps log. sink may be nil, in which case entries are
// only emitted via log.
func NewQueueLogger(log *slog.Logger, sink LogSink) *QueueLogger {
	if log == nil {
		log = slog.Default()
	}
	return &QueueLogger{log: log, sink: sink}
}

func (l *QueueLogger) persist(ctx context.Context, level, jobID, msg string, fields map[string]any) {
	if l.sink == nil {
		return
	}
	entry := job.LogEntry{
		JobID:   jobID,
		Level:   level,
		Message: msg,
		Context: fields,
	}
	if err := l.sink.Log(ctx, entry); err != nil {
		l.log.Error("log sink write failed", "err", err)
	}
}

// Info logs an informational job-scoped event.
func (l *QueueLogger) Info(ctx context.Context, jobID, msg string, args ...any) {
	l.log.Info(msg, append([]any{"job_id", jobID}, args...)...)
	l.persist(ctx, "info", jobID, msg, fieldsOf(args))
}

// Warn logs a job-scoped warning.
func (l *QueueLogger) Warn(ctx context.Context, jobID, msg string, args ...any) {
	l.log.Warn(msg, append([]any{"job_id", jobID}, args...)...)
	l.persist(ctx, "warn", jobID, msg, fieldsOf(args))
}

// Error logs a job-scoped failure.
func (l *QueueLogger) Error(ctx context.Context, jobID, msg string, args ...any) {
	l.log.Error(msg, append([]any{"job_id", jobID}, args...)...)
	l.persist(ctx, "error", jobID, msg, fieldsOf(args))
}

func fieldsOf(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		m[key] = args[i+1]
	}
	return m
}
