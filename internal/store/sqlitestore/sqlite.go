// Package sqlitestore is a single-node job store on SQLite. It implements the same
// contract as the Postgres store and backs the test suites.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"submission-dispatcher/internal/models"
	"submission-dispatcher/internal/store"
)

// Store persists jobs in a SQLite file.
type Store struct {
	db  *sql.DB
	now store.Clock
}

var _ store.Repository = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &Store{db: db, now: store.SystemClock}, nil
}

// WithClock replaces the clock used to stamp rows.
func (s *Store) WithClock(c store.Clock) *Store {
	s.now = c
	return s
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() {
	_ = s.db.Close()
}

// DB exposes the handle for tests that need raw SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, customer_id, status, package_size, priority_level, business_payload, worker_id,
	directories_total, error_message, enqueued_at, created_at, started_at, completed_at, updated_at`

const resultColumns = `id, job_id, directory_name, status, idempotency_key, payload, response_log, attempt_count,
	executing_since, listing_url, screenshot_ref, last_error, created_at, updated_at`

const appendLog = `CASE WHEN response_log = '' THEN ? ELSE response_log || char(10) || ? END`

func (s *Store) millis() int64 {
	return s.now().UnixMilli()
}

// CreateJob inserts a pending job with a fresh id.
func (s *Store) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, customer_id, status, package_size, priority_level, business_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.CustomerID, models.StatusPending, p.PackageSize, priority, string(payloadJSON), now.UnixMilli(), now.UnixMilli())
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
		CreatedAt:       fromMillis(now.UnixMilli()),
		UpdatedAt:       fromMillis(now.UnixMilli()),
	}, nil
}

// GetJob fetches a job by id, returning store.ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, err
}

// MarkEnqueued stamps enqueued_at once the dispatch message is published.
func (s *Store) MarkEnqueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET enqueued_at = ? WHERE id = ?`, s.millis(), id)
	return err
}

// ClaimJob moves a pending job to in_progress under workerID. The update is
// conditional on status, so concurrent callers see exactly one winner.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error) {
	now := s.millis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, started_at = ?, updated_at = ?, error_message = NULL
		WHERE id = ? AND status = ?
	`, models.StatusInProgress, workerID, now, now, id, models.StatusPending)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Job{}, false, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, n == 1, nil
}

// SetDirectoriesTotal stores the expanded directory count.
func (s *Store) SetDirectoriesTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET directories_total = ?, updated_at = ? WHERE id = ?`, total, s.millis(), id)
	return err
}

// TouchJob bumps updated_at on an in_progress job.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ? AND status = ?`, s.millis(), id, models.StatusInProgress)
	return err
}

// SettleJob moves an in_progress job held by workerID to completed or failed.
func (s *Store) SettleJob(ctx context.Context, id, workerID, status string, errMsg *string) (bool, error) {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return false, fmt.Errorf("settle job: invalid terminal status %q", status)
	}
	now := s.millis()
	return s.execOne(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = ?
	`, status, nullable(errMsg), now, now, id, workerID, models.StatusInProgress)
}

// CancelJob cancels a pending or in_progress job.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	now := s.millis()
	ok, err := s.execOne(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.StatusCancelled, now, now, id, models.StatusPending, models.StatusInProgress)
	if err != nil || ok {
		return ok, err
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
	  AND j.updated_at < ?
	  AND (w.worker_id IS NULL OR w.last_heartbeat < ?)`

// ListStaleJobs returns in_progress jobs untouched since cutoff whose worker has no heartbeat since cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	c := cutoff.UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixedJobColumns+staleJobsWhere+`
		ORDER BY j.updated_at LIMIT ?`, c, c, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountStaleJobs counts what ListStaleJobs would return.
func (s *Store) CountStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	c := cutoff.UnixMilli()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+staleJobsWhere, c, c).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale jobs: %w", err)
	}
	return n, nil
}

// ReclaimJob returns a stale in_progress job to pending and detaches its worker.
// Staleness is re-checked inside the update, so one caller wins per cycle.
func (s *Store) ReclaimJob(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c := cutoff.UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = NULL, enqueued_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?
		  AND NOT EXISTS (
		    SELECT 1 FROM worker_heartbeats w
		    WHERE w.worker_id = jobs.worker_id AND w.last_heartbeat >= ?
		  )
	`, models.StatusPending, s.millis(), id, models.StatusInProgress, c, c)
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE worker_heartbeats SET current_job_id = NULL WHERE current_job_id = ?`, id); err != nil {
		return false, fmt.Errorf("detach worker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListUnenqueuedJobs returns pending jobs created before the given time that never reached the queue.
func (s *Store) ListUnenqueuedJobs(ctx context.Context, createdBefore time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND enqueued_at IS NULL AND created_at < ?
		ORDER BY priority_level, created_at
		LIMIT ?
	`, models.StatusPending, createdBefore.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query unenqueued jobs: %w", err)
	}
	return collectJobs(rows)
}

// InsertResult pre-inserts a submitting row. inserted=false means the
// idempotency key is already recorded.
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
	now := s.millis()
	return s.execOne(ctx, `
		INSERT INTO submission_results (id, job_id, directory_name, status, idempotency_key, payload, response_log, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, r.ID, r.JobID, r.DirectoryName, r.Status, r.IdempotencyKey, string(payloadJSON), r.ResponseLog, now, now)
}

// GetResultByKey fetches a result by idempotency key.
func (s *Store) GetResultByKey(ctx context.Context, key string) (models.SubmissionResult, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM submission_results WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubmissionResult{}, fmt.Errorf("result %s: %w", key, store.ErrNotFound)
	}
	return r, err
}

// AcquireAttempt takes the next executor attempt for a result: the row must be
// submitting, not executing, and under maxAttempts. Otherwise the current row
// comes back with acquired=false.
func (s *Store) AcquireAttempt(ctx context.Context, key string, maxAttempts int) (models.SubmissionResult, bool, error) {
	now := s.millis()
	acquired, err := s.execOne(ctx, `
		UPDATE submission_results
		SET executing_since = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE idempotency_key = ? AND status = ? AND executing_since IS NULL AND attempt_count < ?
	`, now, now, key, models.ResultSubmitting, maxAttempts)
	if err != nil {
		return models.SubmissionResult{}, false, fmt.Errorf("acquire attempt: %w", err)
	}
	r, err := s.GetResultByKey(ctx, key)
	if err != nil {
		return models.SubmissionResult{}, false, err
	}
	return r, acquired, nil
}

// ReleaseAttempt ends an attempt that will be retried.
func (s *Store) ReleaseAttempt(ctx context.Context, key string, u store.AttemptUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submission_results
		SET executing_since = NULL, last_error = ?, response_log = `+appendLog+`, updated_at = ?
		WHERE idempotency_key = ? AND status = ?
	`, nullable(u.LastError), u.ResponseLog, u.ResponseLog, s.millis(), key, models.ResultSubmitting)
	if err != nil {
		return fmt.Errorf("release attempt: %w", err)
	}
	return nil
}

// FinishResult writes a terminal state once; only a submitting row changes.
func (s *Store) FinishResult(ctx context.Context, key, status string, u store.AttemptUpdate) (bool, error) {
	ok, err := s.execOne(ctx, `
		UPDATE submission_results
		SET status = ?, executing_since = NULL, last_error = ?,
		    listing_url = COALESCE(?, listing_url), screenshot_ref = COALESCE(?, screenshot_ref),
		    response_log = `+appendLog+`, updated_at = ?
		WHERE idempotency_key = ? AND status = ?
	`, status, nullable(u.LastError), nullable(u.ListingURL), nullable(u.ScreenshotRef), u.ResponseLog, u.ResponseLog, s.millis(), key, models.ResultSubmitting)
	if err != nil {
		return false, fmt.Errorf("finish result: %w", err)
	}
	return ok, nil
}

// SkipResult marks a submitting row that is not executing as skipped.
func (s *Store) SkipResult(ctx context.Context, key, reason string) (bool, error) {
	ok, err := s.execOne(ctx, `
		UPDATE submission_results
		SET status = ?, last_error = ?, response_log = `+appendLog+`, updated_at = ?
		WHERE idempotency_key = ? AND status = ? AND executing_since IS NULL
	`, models.ResultSkipped, reason, reason, reason, s.millis(), key, models.ResultSubmitting)
	if err != nil {
		return false, fmt.Errorf("skip result: %w", err)
	}
	return ok, nil
}

// ExpireAttempt fails a row whose executor call started before startedBefore
// and never reported back.
func (s *Store) ExpireAttempt(ctx context.Context, key string, startedBefore time.Time, reason string) (bool, error) {
	ok, err := s.execOne(ctx, `
		UPDATE submission_results
		SET status = ?, executing_since = NULL, last_error = ?, response_log = `+appendLog+`, updated_at = ?
		WHERE idempotency_key = ? AND status = ? AND executing_since IS NOT NULL AND executing_since < ?
	`, models.ResultFailed, reason, reason, reason, s.millis(), key, models.ResultSubmitting, startedBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("expire attempt: %w", err)
	}
	return ok, nil
}

// ListResults returns a job's results, most recently updated first. limit <= 0 returns all.
func (s *Store) ListResults(ctx context.Context, jobID string, limit int) ([]models.SubmissionResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM submission_results
		WHERE job_id = ? ORDER BY updated_at DESC, directory_name LIMIT ?
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
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submission_results WHERE job_id = ? GROUP BY status`, jobID)
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
		switch status {
		case models.ResultSubmitting:
			c.Submitting = n
		case models.ResultSubmitted:
			c.Submitted = n
		case models.ResultFailed:
			c.Failed = n
		case models.ResultSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// UpsertHeartbeat records a worker heartbeat, stamped with the store clock when unset.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error {
	if hb.LastHeartbeat.IsZero() {
		hb.LastHeartbeat = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, queue_name, status, current_job_id, last_heartbeat, queue_depth, processing_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			queue_name = excluded.queue_name,
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			last_heartbeat = excluded.last_heartbeat,
			queue_depth = excluded.queue_depth,
			processing_count = excluded.processing_count
	`, hb.WorkerID, hb.QueueName, hb.Status, nullable(hb.CurrentJobID), hb.LastHeartbeat.UnixMilli(), hb.QueueDepth, hb.ProcessingCount)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// ListHeartbeats returns workers whose last heartbeat is at or after since.
func (s *Store) ListHeartbeats(ctx context.Context, since time.Time) ([]models.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, queue_name, status, current_job_id, last_heartbeat, queue_depth, processing_count
		FROM worker_heartbeats WHERE last_heartbeat >= ? ORDER BY worker_id
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.WorkerHeartbeat
	for rows.Next() {
		var hb models.WorkerHeartbeat
		var current sql.NullString
		var last int64
		if err := rows.Scan(&hb.WorkerID, &hb.QueueName, &hb.Status, &current, &last, &hb.QueueDepth, &hb.ProcessingCount); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.CurrentJobID = stringPtr(current)
		hb.LastHeartbeat = fromMillis(last)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// AppendEvent adds an audit row. A trigger rejects updates and deletes.
func (s *Store) AppendEvent(ctx context.Context, ev models.QueueHistoryEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_history (id, job_id, directory_name, event, details, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.JobID, nullable(ev.DirectoryName), ev.Event, ev.Details, nullable(ev.WorkerID), ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents pages through a job's audit trail in append order.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit, offset int) ([]models.QueueHistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, directory_name, event, details, worker_id, created_at
		FROM queue_history WHERE job_id = ? ORDER BY seq LIMIT ? OFFSET ?
	`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.QueueHistoryEvent
	for rows.Next() {
		var ev models.QueueHistoryEvent
		var dir, worker sql.NullString
		var created int64
		if err := rows.Scan(&ev.ID, &ev.JobID, &dir, &ev.Event, &ev.Details, &worker, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.DirectoryName = stringPtr(dir)
		ev.WorkerID = stringPtr(worker)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts a job's audit rows.
func (s *Store) CountEvents(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_history WHERE job_id = ?`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const prefixedJobColumns = `j.id, j.customer_id, j.status, j.package_size, j.priority_level, j.business_payload, j.worker_id,
	j.directories_total, j.error_message, j.enqueued_at, j.created_at, j.started_at, j.completed_at, j.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (models.Job, error) {
	var job models.Job
	var payloadJSON string
	var worker, errMsg sql.NullString
	var enqueued, started, completed sql.NullInt64
	var created, updated int64

	if err := row.Scan(&job.ID, &job.CustomerID, &job.Status, &job.PackageSize, &job.PriorityLevel, &payloadJSON,
		&worker, &job.DirectoriesTotal, &errMsg, &enqueued, &created, &started, &completed, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.BusinessPayload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.WorkerID = stringPtr(worker)
	job.ErrorMessage = stringPtr(errMsg)
	job.EnqueuedAt = timePtr(enqueued)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
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

func scanResult(row scanner) (models.SubmissionResult, error) {
	var r models.SubmissionResult
	var payloadJSON string
	var executing sql.NullInt64
	var listing, screenshot, lastErr sql.NullString
	var created, updated int64

	if err := row.Scan(&r.ID, &r.JobID, &r.DirectoryName, &r.Status, &r.IdempotencyKey, &payloadJSON, &r.ResponseLog,
		&r.AttemptCount, &executing, &listing, &screenshot, &lastErr, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SubmissionResult{}, err
		}
		return models.SubmissionResult{}, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
		return models.SubmissionResult{}, fmt.Errorf("unmarshal result payload: %w", err)
	}
	r.ExecutingSince = timePtr(executing)
	r.ListingURL = stringPtr(listing)
	r.ScreenshotRef = stringPtr(screenshot)
	r.LastError = stringPtr(lastErr)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func stringPtr(s sql.NullString) *string {
	if s.Valid {
		return &s.String
	}
	return nil
}

func timePtr(v sql.NullInt64) *time.Time {
	if v.Valid {
		t := fromMillis(v.Int64)
		return &t
	}
	return nil
}
