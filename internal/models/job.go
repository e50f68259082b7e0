package models

import (
	"time"
)

// Job lifecycle states persisted in the job store.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// DefaultPriority is used when a creation request omits priority. Lower is more urgent.
const DefaultPriority = 2

// Job is one customer's request to submit business data to a bounded set of directories.
type Job struct {
	ID               string         `json:"id"`
	CustomerID       string         `json:"customer_id"`
	Status           string         `json:"status"`
	PackageSize      int            `json:"package_size"`
	PriorityLevel    int            `json:"priority_level"`
	BusinessPayload  map[string]any `json:"business_payload"`
	WorkerID         *string        `json:"worker_id,omitempty"`
	DirectoriesTotal int            `json:"directories_total"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	EnqueuedAt       *time.Time     `json:"enqueued_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the job can no longer change state.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether cancellation is still permitted.
func (j Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusInProgress
}
