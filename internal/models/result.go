package models

import "time"

// Per-directory submission states.
const (
	ResultSubmitting = "submitting"
	ResultSubmitted  = "submitted"
	ResultFailed     = "failed"
	ResultSkipped    = "skipped"
)

// SubmissionResult records the outcome of one directory task. IdempotencyKey is globally unique.
type SubmissionResult struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	DirectoryName  string            `json:"directory_name"`
	Status         string            `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        map[string]string `json:"payload"`
	ResponseLog    string            `json:"response_log,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	ExecutingSince *time.Time        `json:"executing_since,omitempty"`
	ListingURL     *string           `json:"listing_url,omitempty"`
	ScreenshotRef  *string           `json:"screenshot_ref,omitempty"`
	LastError      *string           `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsTerminal reports whether the directory task has settled.
func (r SubmissionResult) IsTerminal() bool {
	return r.Status != ResultSubmitting
}

// ResultCounts aggregates per-directory states for one job.
type ResultCounts struct {
	Submitting int `json:"submitting"`
	Submitted  int `json:"submitted"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Settled is the number of directory tasks in a terminal state.
func (c ResultCounts) Settled() int {
	return c.Submitted + c.Failed + c.Skipped
}
