package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"submission-dispatcher/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	now  Clock
}

var _ Repository = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: SystemClock}, nil
}

// WithClock replaces the clock used to stamp rows.
func (s *Store) WithClock(c Clock) *Store {
	s.now = c
	return s
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, customer_id, status, package_size, priority_level, business_payload, worker_id,
	directories_total, error_message, enqueued_at, created_at, started_at, completed_at, updated_at`

const resultColumns = `id, job_id, directory_name, status, idempotency_key, payload, response_log, attempt_count,
	executing_since, listing_url, screenshot_ref, last_error, created_at, updated_at`

// appendLogSQL appends the parameter to response_log on its own line.
func appendLogSQL(param string) string {
	return fmt.Sprintf("CASE WHEN response_log = '' THEN %[1]s ELSE response_log || E'\\n' || %[1]s END", param)
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	priority := models.DefaultPriority
	if p.PriorityLevel != nil {
		priority = *p.PriorityLevel
	}
	if p.BusinessPayload == nil {
		p.BusinessPayload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.BusinessPayload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := s.now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, customer_id, status, package_size, priority_level, business_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.CustomerID, models.StatusPending, p.PackageSize, priority, payloadJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		CustomerID:      p.CustomerID,
		Status:          models.StatusPending,
		PackageSize:     p.PackageSize,
		PriorityLevel:   priority,
		BusinessPayload: p.BusinessPayload,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// MarkEnqueued records that a dispatch message was published for the job.
func (s *Store) MarkEnqueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET enqueued_at = $2 WHERE id = $1`, id, s.now())
	return err
}

// ClaimJob moves a pending job to in_progress under workerID. Exactly one concurrent
// caller wins; the others get claimed=false.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, worker_id = $3, started_at = $4, updated_at = $4, error_message = NULL
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns,
		id, models.StatusInProgress, workerID, s.now(), models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return models.Job{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// SetDirectoriesTotal stores the expanded directory count.
func (s *Store) SetDirectoriesTotal(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET directories_total = $2, updated_at = $3 WHERE id = $1
	`, id, total, s.now())
	return err
}

// TouchJob bumps updated_at on an in_progress job.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET updated_at = $2 WHERE id = $1 AND status = $3
	`, id, s.now(), models.StatusInProgress)
	return err
}

// SettleJob moves an in_progress job held by workerID to completed or failed.
func (s *Store) SettleJob(ctx context.Context, id, workerID, status string, errMsg *string) (bool, error) {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return false, fmt.Errorf("settle job: invalid terminal status %q", status)
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, error_message = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND worker_id = $2 AND status = $6
	`, id, workerID, status, errMsg, now, models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("settle job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob cancels a pending or in_progress job.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.StatusCancelled, s.now(), models.StatusPending, models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const staleJobsWhere = `
	FROM jobs j
	LEFT JOIN worker_heartbeats w ON w.worker_id = j.worker_id
	WHERE j.status = 'in_progress'
	  AND j.updated_at < $1
	  AND (w.worker_id IS NULL OR w.last_heartbeat < $1)`

// ListStaleJobs returns in_progress jobs whose worker heartbeat and own updated_at are both older than cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+prefixed("j.", jobColumns)+staleJobsWhere+`
		ORDER BY j.updated_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountStaleJobs counts the jobs ListStaleJobs would return.
func (s *Store) CountStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*)`+staleJobsWhere, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale jobs: %w", err)
	}
	return n, nil
}

// ReclaimJob returns a stale in_progress job to pending and detaches it from its worker.
// The staleness conditions are re-checked in the update, so one caller wins per cycle.
func (s *Store) ReclaimJob(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, worker_id = NULL, enqueued_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5 AND updated_at < $2
		  AND NOT EXISTS (
		    SELECT 1 FROM worker_heartbeats w
		    WHERE w.worker_id = jobs.worker_id AND w.last_heartbeat >= $2
		  )
	`, id, cutoff, models.StatusPending, s.now(), models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE worker_heartbeats SET current_job_id = NULL WHERE current_job_id = $1
	`, id); err != nil {
		return false, fmt.Errorf("detach worker: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListUnenqueuedJobs returns pending jobs created before the given time that never reached the queue.
func (s *Store) ListUnenqueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND enqueued_at IS NULL AND created_at < $2
		ORDER BY priority_level, created_at
		LIMIT $3
	`, models.StatusPending, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query unenqueued jobs: %w", err)
	}
	return collectJobs(rows)
}

// InsertResult pre-inserts a submission result. inserted=false means a row with the
// same idempotency key already exists; that is not an error.
func (s *Store) InsertResult(ctx context.Context, r models.SubmissionResult) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = models.ResultSubmitting
	}
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal result payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO submission_results (id, job_id, directory_name, status, idempotency_key, payload, response_log, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, r.ID, r.JobID, r.DirectoryName, r.Status, r.IdempotencyKey, payloadJSON, r.ResponseLog, s.now())
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetResultByKey fetches a result by idempotency key.
func (s *Store) GetResultByKey(ctx context.Context, key string) (models.SubmissionResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM submission_results WHERE idempotency_key = $1`, key)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SubmissionResult{}, fmt.Errorf("result %s: %w", key, ErrNotFound)
	}
	return r, err
}

// AcquireAttempt takes ownership of the next executor attempt for a result. It succeeds
// only while the row is submitting, not executing, and under maxAttempts. When it does
// not succeed the current row is returned with acquired=false.
func (s *Store) AcquireAttempt(ctx context.Context, key string, maxAttempts int) (models.SubmissionResult, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE submission_results
		SET executing_since = $3, attempt_count = attempt_count + 1, updated_at = $3
		WHERE idempotency_key = $1 AND status = $4 AND executing_since IS NULL AND attempt_count < $2
		RETURNING `+resultColumns,
		key, maxAttempts, s.now(), models.ResultSubmitting)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetResultByKey(ctx, key)
		if getErr != nil {
			return models.SubmissionResult{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.SubmissionResult{}, false, fmt.Errorf("acquire attempt: %w", err)
	}
	return r, true, nil
}

// ReleaseAttempt ends an attempt that will be retried.
func (s *Store) ReleaseAttempt(ctx context.Context, key string, u AttemptUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE submission_results
		SET executing_since = NULL, last_error = $2, response_log = `+appendLogSQL("$3")+`, updated_at = $4
		WHERE idempotency_key = $1 AND status = $5
	`, key, u.LastError, u.ResponseLog, s.now(), models.ResultSubmitting)
	if err != nil {
		return fmt.Errorf("release attempt: %w", err)
	}
	return nil
}

// FinishResult writes a terminal state. Only a submitting row can be finished, so a
// terminal outcome is recorded exactly once.
func (s *Store) FinishResult(ctx context.Context, key, status string, u AttemptUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_results
		SET status = $2, executing_since = NULL, last_error = $3,
		    listing_url = COALESCE($4, listing_url), screenshot_ref = COALESCE($5, screenshot_ref),
		    response_log = `+appendLogSQL("$6")+`, updated_at = $7
		WHERE idempotency_key = $1 AND status = $8
	`, key, status, u.LastError, u.ListingURL, u.ScreenshotRef, u.ResponseLog, s.now(), models.ResultSubmitting)
	if err != nil {
		return false, fmt.Errorf("finish result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SkipResult marks a submitting row that is not executing as skipped.
func (s *Store) SkipResult(ctx context.Context, key, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_results
		SET status = $2, last_error = $3, response_log = `+appendLogSQL("$3")+`, updated_at = $4
		WHERE idempotency_key = $1 AND status = $5 AND executing_since IS NULL
	`, key, models.ResultSkipped, reason, s.now(), models.ResultSubmitting)
	if err != nil {
		return false, fmt.Errorf("skip result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireAttempt fails a row whose executor call started before startedBefore and never
// reported back. The outcome is unknown, so it is never executed again.
func (s *Store) ExpireAttempt(ctx context.Context, key string, startedBefore time.Time, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submission_results
		SET status = $3, executing_since = NULL, last_error = $4, response_log = `+appendLogSQL("$4")+`, updated_at = $5
		WHERE idempotency_key = $1 AND status = $6 AND executing_since IS NOT NULL AND executing_since < $2
	`, key, startedBefore, models.ResultFailed, reason, s.now(), models.ResultSubmitting)
	if err != nil {
		return false, fmt.Errorf("expire attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListResults returns a job's results, most recently updated first. limit <= 0 returns all.
func (s *Store) ListResults(ctx context.Context, jobID string, limit int) ([]models.SubmissionResult, error) {
	if limit <= 0 {
		limit = 100000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+resultColumns+` FROM submission_results
		WHERE job_id = $1 ORDER BY updated_at DESC, directory_name LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []models.SubmissionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountResults aggregates result states for a job.
func (s *Store) CountResults(ctx context.Context, jobID string) (models.ResultCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM submission_results WHERE job_id = $1 GROUP BY status
	`, jobID)
	if err != nil {
		return models.ResultCounts{}, fmt.Errorf("count results: %w", err)
	}
	defer rows.Close()

	var c models.ResultCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.ResultCounts{}, fmt.Errorf("scan result count: %w", err)
		}
		addCount(&c, status, n)
	}
	return c, rows.Err()
}

// UpsertHeartbeat records a worker heartbeat.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	if hb.LastHeartbeat.IsZero() {
		hb.LastHeartbeat = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, queue_name, status, current_job_id, last_heartbeat, queue_depth, processing_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE SET
			queue_name = EXCLUDED.queue_name,
			status = EXCLUDED.status,
			current_job_id = EXCLUDED.current_job_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			queue_depth = EXCLUDED.queue_depth,
			processing_count = EXCLUDED.processing_count
	`, hb.WorkerID, hb.QueueName, hb.Status, hb.CurrentJobID, hb.LastHeartbeat, hb.QueueDepth, hb.ProcessingCount)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// ListHeartbeats returns workers whose last heartbeat is at or after since.
func (s *Store) ListHeartbeats(ctx context.Context, since time.Time) ([]models.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, queue_name, status, current_job_id, last_heartbeat, queue_depth, processing_count
		FROM worker_heartbeats WHERE last_heartbeat >= $1 ORDER BY worker_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.WorkerHeartbeat
	for rows.Next() {
		var hb models.WorkerHeartbeat
		var current pgtype.Text
		if err := rows.Scan(&hb.WorkerID, &hb.QueueName, &hb.Status, &current, &hb.LastHeartbeat, &hb.QueueDepth, &hb.ProcessingCount); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.CurrentJobID = textPtr(current)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// AppendEvent adds an audit row. There is no update or delete counterpart.
func (s *Store) AppendEvent(ctx context.Context, ev models.QueueHistoryEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_history (id, job_id, directory_name, event, details, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.JobID, ev.DirectoryName, ev.Event, ev.Details, ev.WorkerID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents pages through a job's audit trail in append order.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit, offset int) ([]models.QueueHistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, directory_name, event, details, worker_id, created_at
		FROM queue_history WHERE job_id = $1 ORDER BY seq LIMIT $2 OFFSET $3
	`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.QueueHistoryEvent
	for rows.Next() {
		var ev models.QueueHistoryEvent
		var dir, worker pgtype.Text
		if err := rows.Scan(&ev.ID, &ev.JobID, &dir, &ev.Event, &ev.Details, &worker, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.DirectoryName = textPtr(dir)
		ev.WorkerID = textPtr(worker)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts a job's audit rows.
func (s *Store) CountEvents(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_history WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var worker, errMsg pgtype.Text
	var enqueued, started, completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.CustomerID, &job.Status, &job.PackageSize, &job.PriorityLevel, &payloadJSON,
		&worker, &job.DirectoriesTotal, &errMsg, &enqueued, &job.CreatedAt, &started, &completed, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.BusinessPayload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.WorkerID = textPtr(worker)
	job.ErrorMessage = textPtr(errMsg)
	job.EnqueuedAt = timePtr(enqueued)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanResult(row pgx.Row) (models.SubmissionResult, error) {
	var r models.SubmissionResult
	var payloadJSON []byte
	var executing pgtype.Timestamptz
	var listing, screenshot, lastErr pgtype.Text

	if err := row.Scan(&r.ID, &r.JobID, &r.DirectoryName, &r.Status, &r.IdempotencyKey, &payloadJSON, &r.ResponseLog,
		&r.AttemptCount, &executing, &listing, &screenshot, &lastErr, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SubmissionResult{}, err
		}
		return models.SubmissionResult{}, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return models.SubmissionResult{}, fmt.Errorf("unmarshal result payload: %w", err)
	}
	r.ExecutingSince = timePtr(executing)
	r.ListingURL = textPtr(listing)
	r.ScreenshotRef = textPtr(screenshot)
	r.LastError = textPtr(lastErr)
	return r, nil
}

func addCount(c *models.ResultCounts, status string, n int) {
	switch status {
	case models.ResultSubmitting:
		c.Submitting += n
	case models.ResultSubmitted:
		c.Submitted += n
	case models.ResultFailed:
		c.Failed += n
	case models.ResultSkipped:
		c.Skipped += n
	}
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
