package store

// schema is applied on every Open; all statements are idempotent.
// Timestamps are milliseconds since epoch.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'pending',
	original_filename TEXT NOT NULL DEFAULT '',
	input_ref         TEXT NOT NULL DEFAULT '',
	input_hash        TEXT NOT NULL DEFAULT '',
	submitter         TEXT NOT NULL DEFAULT '',
	user_agent        TEXT,
	settings          TEXT NOT NULL DEFAULT '{}',
	current_step      TEXT,
	progress_pct      INTEGER NOT NULL DEFAULT 0,
	progress_message  TEXT,
	stl_ref           TEXT,
	glb_ref           TEXT,
	vertex_count      INTEGER,
	face_count        INTEGER,
	is_watertight     INTEGER,
	generation_time_s REAL,
	gpu_metrics       TEXT,
	error_message     TEXT,
	error_step        TEXT,
	feedback_rating   INTEGER,
	feedback_text     TEXT,
	created_at        INTEGER NOT NULL,
	assigned_at       INTEGER,
	completed_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	action     TEXT NOT NULL,
	submitter  TEXT,
	job_id     TEXT,
	detail     TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_action_created ON audit_log (action, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_submitter ON audit_log (submitter);

CREATE TABLE IF NOT EXISTS ip_bans (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ip_or_cidr TEXT NOT NULL UNIQUE,
	reason     TEXT,
	created_at INTEGER NOT NULL
);
`
