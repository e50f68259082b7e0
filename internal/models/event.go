package models

import "time"

// Audit event names. The table is append-only.
const (
	EventEnqueued   = "enqueued"
	EventClaimed    = "claimed"
	EventSubmitting = "submitting"
	EventSubmitted  = "submitted"
	EventRetry      = "retry"
	EventFailed     = "failed"
	EventDLQ        = "dlq"
	EventReclaimed  = "reclaimed"
	EventCompleted  = "completed"
	EventCancelled  = "cancelled"
)

// QueueHistoryEvent is one row of the audit trail.
type QueueHistoryEvent struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	DirectoryName *string   `json:"directory_name,omitempty"`
	Event         string    `json:"event"`
	Details       string    `json:"details"`
	WorkerID      *string   `json:"worker_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
