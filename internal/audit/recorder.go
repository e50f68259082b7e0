// Package audit writes the append-only queue history. A failed audit write is
// logged and counted but never fails the operation that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/telemetry"
)

// Appender is the store capability the recorder needs.
type Appender interface {
	AppendEvent(ctx context.Context, ev models.QueueHistoryEvent) error
}

// Recorder appends audit events for one process.
type Recorder struct {
	store    Appender
	workerID *string
	log      *slog.Logger
	timeout  time.Duration
}

// NewRecorder builds a recorder. workerID may be empty for the API process.
func NewRecorder(store Appender, workerID string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{store: store, log: log, timeout: 5 * time.Second}
	if workerID != "" {
		r.workerID = &workerID
	}
	return r
}

// Job records a job-level event.
func (r *Recorder) Job(ctx context.Context, jobID, event, details string) {
	r.Record(ctx, models.QueueHistoryEvent{JobID: jobID, Event: event, Details: details})
}

// Directory records an event for one directory task.
func (r *Recorder) Directory(ctx context.Context, jobID, directory, event, details string) {
	r.Record(ctx, models.QueueHistoryEvent{JobID: jobID, DirectoryName: &directory, Event: event, Details: details})
}

// Record appends ev. It survives cancellation of ctx so shutdown paths still leave a trail.
func (r *Recorder) Record(ctx context.Context, ev models.QueueHistoryEvent) {
	if ev.WorkerID == nil {
		ev.WorkerID = r.workerID
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.AppendEvent(writeCtx, ev); err != nil {
		telemetry.AuditWriteFailures.Inc()
		attrs := []any{"job_id", ev.JobID, "event", ev.Event, "error", err}
		if ev.DirectoryName != nil {
			attrs = append(attrs, "directory", *ev.DirectoryName)
		}
		r.log.Warn("audit write failed", attrs...)
	}
}
