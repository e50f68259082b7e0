package store

import (
	"context"
	"errors"
	"time"

	"submission-dispatcher/internal/models"
)

// ErrNotFound is returned when a job or result does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the job store contract shared by the Postgres and SQLite backends.
// Every state change is a conditional update; a false return means the row was
// not in the expected state and nothing was written.
type Repository interface {
	Migrate(ctx context.Context) error
	Close()

	// Jobs
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkEnqueued(ctx context.Context, id string) error
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error)
	SetDirectoriesTotal(ctx context.Context, id string, total int) error
	TouchJob(ctx context.Context, id string) error
	SettleJob(ctx context.Context, id, workerID, status string, errMsg *string) (bool, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	CountStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
	ReclaimJob(ctx context.Context, id string, cutoff time.Time) (bool, error)
	ListUnenqueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]models.Job, error)

	// Submission results
	InsertResult(ctx context.Context, r models.SubmissionResult) (bool, error)
	GetResultByKey(ctx context.Context, key string) (models.SubmissionResult, error)
	AcquireAttempt(ctx context.Context, key string, maxAttempts int) (models.SubmissionResult, bool, error)
	ReleaseAttempt(ctx context.Context, key string, u AttemptUpdate) error
	FinishResult(ctx context.Context, key, status string, u AttemptUpdate) (bool, error)
	SkipResult(ctx context.Context, key, reason string) (bool, error)
	ExpireAttempt(ctx context.Context, key string, startedBefore time.Time, reason string) (bool, error)
	ListResults(ctx context.Context, jobID string, limit int) ([]models.SubmissionResult, error)
	CountResults(ctx context.Context, jobID string) (models.ResultCounts, error)

	// Worker heartbeats
	UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error
	ListHeartbeats(ctx context.Context, since time.Time) ([]models.WorkerHeartbeat, error)

	// Audit trail (append-only)
	AppendEvent(ctx context.Context, ev models.QueueHistoryEvent) error
	ListEvents(ctx context.Context, jobID string, limit, offset int) ([]models.QueueHistoryEvent, error)
	CountEvents(ctx context.Context, jobID string) (int, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	CustomerID      string
	PackageSize     int
	PriorityLevel   *int // nil means models.DefaultPriority
	BusinessPayload map[string]any
}

// AttemptUpdate carries what an executor attempt produced.
type AttemptUpdate struct {
	ResponseLog   string
	LastError     *string
	ListingURL    *string
	ScreenshotRef *string
}

// Clock returns the current time. Stores stamp every timestamp from it.
type Clock func() time.Time

// SystemClock is the default clock, in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
