package models

import "time"

// Worker states reported through heartbeats.
const (
	WorkerStarting = "starting"
	WorkerIdle     = "idle"
	WorkerRunning  = "running"
	WorkerPaused   = "paused"
	WorkerError    = "error"
)

// WorkerHeartbeat is the single source of truth for worker liveness.
type WorkerHeartbeat struct {
	WorkerID        string    `json:"worker_id"`
	QueueName       string    `json:"queue_name"`
	Status          string    `json:"status"`
	CurrentJobID    *string   `json:"current_job_id,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	QueueDepth      int64     `json:"queue_depth"`
	ProcessingCount int       `json:"processing_count"`
}

// LiveAt reports whether the worker proved liveness within window of now.
func (h WorkerHeartbeat) LiveAt(now time.Time, window time.Duration) bool {
	return !h.LastHeartbeat.Before(now.Add(-window))
}
