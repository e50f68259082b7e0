package sqlitestore

// Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		customer_id       TEXT NOT NULL,
		status            TEXT NOT NULL CHECK (status IN ('pending','in_progress','completed','failed','cancelled')),
		package_size      INTEGER NOT NULL CHECK (package_size > 0),
		priority_level    INTEGER NOT NULL DEFAULT 2,
		business_payload  TEXT NOT NULL DEFAULT '{}',
		worker_id         TEXT,
		directories_total INTEGER NOT NULL DEFAULT 0,
		error_message     TEXT,
		enqueued_at       INTEGER,
		created_at        INTEGER NOT NULL,
		started_at        INTEGER,
		completed_at      INTEGER,
		updated_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS submission_results (
		id               TEXT PRIMARY KEY,
		job_id           TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		directory_name   TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('submitting','submitted','failed','skipped')),
		idempotency_key  TEXT NOT NULL UNIQUE,
		payload          TEXT NOT NULL DEFAULT '{}',
		response_log     TEXT NOT NULL DEFAULT '',
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		executing_since  INTEGER,
		listing_url      TEXT,
		screenshot_ref   TEXT,
		last_error       TEXT,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_job ON submission_results (job_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS worker_heartbeats (
		worker_id        TEXT PRIMARY KEY,
		queue_name       TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('starting','idle','running','paused','error')),
		current_job_id   TEXT REFERENCES jobs (id) ON DELETE SET NULL,
		last_heartbeat   INTEGER NOT NULL,
		queue_depth      INTEGER NOT NULL DEFAULT 0,
		processing_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS queue_history (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		job_id         TEXT NOT NULL,
		directory_name TEXT,
		event          TEXT NOT NULL CHECK (event IN ('enqueued','claimed','submitting','submitted','retry','failed','dlq','reclaimed','completed','cancelled')),
		details        TEXT NOT NULL DEFAULT '',
		worker_id      TEXT,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_history_job ON queue_history (job_id, seq)`,
	`CREATE TRIGGER IF NOT EXISTS queue_history_no_update
		BEFORE UPDATE ON queue_history
		BEGIN
			SELECT RAISE(ABORT, 'queue_history is append-only');
		END`,
	`CREATE TRIGGER IF NOT EXISTS queue_history_no_delete
		BEFORE DELETE ON queue_history
		BEGIN
			SELECT RAISE(ABORT, 'queue_history is append-only');
		END`,
}
