package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// AllStatuses lists every status, in lifecycle order. Used by Summary so
// dashboards always see every bucket, including empty ones.
var AllStatuses = []Status{
	StatusPending, StatusAssigned, StatusProcessing,
	StatusComplete, StatusFailed, StatusExpired,
}

// Terminal reports whether no further worker-driven transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusExpired
}

var (
	// ErrNotFound is returned when no job row matches the given id.
	ErrNotFound = errors.New("store: job not found")
	// ErrTerminal is returned when a mutation targets a job that already
	// reached a terminal state. Callers treat a repeated terminal
	// transition as a no-op.
	ErrTerminal = errors.New("store: job already terminal")
	// ErrNotComplete is returned when feedback targets a job that has not
	// completed.
	ErrNotComplete = errors.New("store: feedback requires a completed job")
	// ErrFeedbackExists is returned when feedback was already recorded.
	ErrFeedbackExists = errors.New("store: feedback already submitted")
)

// Job is one row of the jobs table.
type Job struct {
	ID               string
	Status           Status
	OriginalFilename string
	InputRef         string // storage key of the validated input
	InputHash        string // SHA-256 of the cleaned input
	Submitter        string // client identity, used by admission only
	UserAgent        string
	Settings         map[string]any

	CurrentStep     string
	ProgressPct     int
	ProgressMessage string

	STLRef          string
	GLBRef          string
	VertexCount     int
	FaceCount       int
	IsWatertight    bool
	GenerationTimeS float64
	GPUMetrics      map[string]any

	ErrorMessage string
	ErrorStep    string

	FeedbackRating int // 0 = none
	FeedbackText   string

	CreatedAt   time.Time
	AssignedAt  *time.Time
	CompletedAt *time.Time
}

// Result carries the artifacts and mesh statistics of a completed job.
type Result struct {
	STLRef          string
	GLBRef          string
	VertexCount     int
	FaceCount       int
	IsWatertight    bool
	GenerationTimeS float64
	GPUMetrics      map[string]any
}

// Store wraps the SQLite handle with the job queue operations.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened database. Most callers use Open + New.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that share the database
// (audit queries, admission quota counting).
func (s *Store) DB() *sql.DB { return s.db }

// NewJobID returns a time-ordered UUIDv7. Lexicographic order on ids equals
// insertion order, which makes the FIFO tie-break on id exact.
func NewJobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Enqueue persists job as pending with created_at = now and returns the
// stored row. A zero job.ID is replaced with a fresh UUIDv7.
func (s *Store) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return nil, fmt.Errorf("store: marshal settings: %w", err)
	}
	now := time.Now()

	_, err = s.exec(ctx, `
		INSERT INTO jobs (id, status, original_filename, input_ref, input_hash,
			submitter, user_agent, settings, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		job.ID, StatusPending, job.OriginalFilename, job.InputRef, job.InputHash,
		job.Submitter, nullStr(job.UserAgent), string(settingsJSON), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert job: %w", err)
	}
	return s.Get(ctx, job.ID)
}

// SetInputRef records the storage key of the saved input bytes. Done after
// Enqueue because the key embeds the job id.
func (s *Store) SetInputRef(ctx context.Context, id, inputRef string) error {
	_, err := s.exec(ctx, `UPDATE jobs SET input_ref = ? WHERE id = ?`, inputRef, id)
	return err
}

// ClaimNextPending atomically flips the oldest pending job to assigned and
// returns it. Ordering is strict FIFO on created_at, ties broken by id.
// Returns nil, nil when the queue is empty.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		StatusAssigned, time.Now().UnixMilli(), StatusPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// MarkProcessing transitions assigned → processing. Idempotent: a job
// already processing is left untouched and no error is returned.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		StatusProcessing, id, StatusAssigned,
	)
	return err
}

// UpdateProgress persists a progress event and returns the stored pct.
// The first progress event flips assigned → processing. pct is clamped
// forward: within a worker session it never decreases (a regressing worker
// is clamped, not rejected). No-op once the job is terminal.
func (s *Store) UpdateProgress(ctx context.Context, id, step string, pct int, message string) (int, error) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN status = ? THEN ? ELSE status END,
			current_step = ?,
			progress_pct = MAX(progress_pct, ?),
			progress_message = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING progress_pct`,
		StatusAssigned, StatusProcessing,
		nullStr(step), pct, nullStr(message),
		id, StatusAssigned, StatusProcessing,
	)
	var stored int
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.classifyMiss(ctx, id)
		}
		return 0, err
	}
	return stored, nil
}

// MarkComplete transitions to complete and populates the result. Guarded so
// a repeat of the terminal event is a no-op (ErrTerminal).
func (s *Store) MarkComplete(ctx context.Context, id string, res Result) error {
	var metricsJSON any
	if res.GPUMetrics != nil {
		b, err := json.Marshal(res.GPUMetrics)
		if err != nil {
			return fmt.Errorf("store: marshal gpu metrics: %w", err)
		}
		metricsJSON = string(b)
	}
	result, err := s.exec(ctx, `
		UPDATE jobs SET
			status = ?, stl_ref = ?, glb_ref = ?,
			vertex_count = ?, face_count = ?, is_watertight = ?,
			generation_time_s = ?, gpu_metrics = ?,
			progress_pct = 100, current_step = 'complete',
			completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusComplete, nullStr(res.STLRef), nullStr(res.GLBRef),
		res.VertexCount, res.FaceCount, boolInt(res.IsWatertight),
		res.GenerationTimeS, metricsJSON,
		time.Now().UnixMilli(),
		id, StatusComplete, StatusFailed, StatusExpired,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// MarkFailed transitions to failed with the worker's error and step.
// Repeating the terminal event is a no-op (ErrTerminal).
func (s *Store) MarkFailed(ctx context.Context, id, errMsg, step string) error {
	result, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, error_step = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed, errMsg, nullStr(step), time.Now().UnixMilli(),
		id, StatusComplete, StatusFailed, StatusExpired,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// ExpireStale promotes assigned/processing jobs whose assigned_at is older
// than timeout to expired, and returns their ids for logging.
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = ?, error_message = 'Job timed out', completed_at = ?
		WHERE status IN (?, ?) AND assigned_at < ?
		RETURNING id`,
		StatusExpired, time.Now().UnixMilli(),
		StatusAssigned, StatusProcessing, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverOrphans resets any assigned/processing job to pending, clearing
// assignment and progress. Called once at startup, before accepting
// connections: no worker session survives a coordinator restart.
func (s *Store) RecoverOrphans(ctx context.Context) (int64, error) {
	result, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, assigned_at = NULL,
			current_step = NULL, progress_pct = 0, progress_message = NULL
		WHERE status IN (?, ?)`,
		StatusPending, StatusAssigned, StatusProcessing,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Retry resets a terminal job to pending, clearing result, error and
// progress. The only legal terminal → pending transition.
func (s *Store) Retry(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `
		UPDATE jobs SET status = ?,
			current_step = NULL, progress_pct = 0, progress_message = NULL,
			stl_ref = NULL, glb_ref = NULL,
			vertex_count = NULL, face_count = NULL, is_watertight = NULL,
			generation_time_s = NULL, gpu_metrics = NULL,
			error_message = NULL, error_step = NULL,
			assigned_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?, ?)`,
		StatusPending, id, StatusComplete, StatusFailed, StatusExpired,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("store: retry: job %s is not terminal", id)
	}
	return nil
}

// CancelActive force-fails a job that has not finished yet. This is a pure
// database transition; an in-flight GPU task is not interrupted.
func (s *Store) CancelActive(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, error_message = 'Cancelled by admin', completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed, time.Now().UnixMilli(),
		id, StatusComplete, StatusFailed, StatusExpired,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.classifyMiss(ctx, id)
	}
	return nil
}

// PendingCount returns the number of pending jobs, for admission control.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, StatusPending,
	).Scan(&n)
	return n, err
}

// QueuePosition returns the 1-indexed position of a pending job: the number
// of strictly older pending jobs plus one.
func (s *Store) QueuePosition(ctx context.Context, job *Job) (int, error) {
	var ahead int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = ? AND (created_at < ? OR (created_at = ? AND id < ?))`,
		StatusPending, job.CreatedAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.ID,
	).Scan(&ahead)
	return ahead + 1, err
}

// Summary returns job counts keyed by status, with zero entries included.
func (s *Store) Summary(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		out[st] = 0
	}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status Status
	Search string // matches id, filename or submitter
	Page   int    // 1-indexed
	Limit  int
}

// List returns a page of jobs, newest first, plus the total match count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}

	where := "1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where += " AND (id LIKE ? OR original_filename LIKE ? OR submitter LIKE ?)"
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + jobColumns + " FROM jobs WHERE " + where +
		" ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// Gallery returns completed jobs with a feedback rating of at least
// minRating, newest completion first.
func (s *Store) Gallery(ctx context.Context, minRating, limit, offset int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND feedback_rating >= ?
		 ORDER BY completed_at DESC LIMIT ? OFFSET ?`,
		StatusComplete, minRating, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes a job row. Artifact files are the caller's problem.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFeedback records a rating (1–5) and optional text. Only completed jobs
// accept feedback, and only once.
func (s *Store) SetFeedback(ctx context.Context, id string, rating int, text string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("store: rating must be 1-5, got %d", rating)
	}
	result, err := s.exec(ctx, `
		UPDATE jobs SET feedback_rating = ?, feedback_text = ?
		WHERE id = ? AND status = ? AND feedback_rating IS NULL`,
		rating, nullStr(text), id, StatusComplete,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusComplete {
			return ErrNotComplete
		}
		return ErrFeedbackExists
	}
	return nil
}

// Stats aggregates dashboard numbers.
type Stats struct {
	Jobs24h             int     `json:"jobs_24h"`
	UniqueSubmitters24h int     `json:"unique_submitters_24h"`
	TotalJobs           int     `json:"total_jobs"`
	TotalFailed         int     `json:"total_failed"`
	FailureRate         float64 `json:"failure_rate"`
	TotalCompleted      int     `json:"total_completed"`
	AvgGenerationTimeS  float64 `json:"avg_generation_time_s"`
}

// GetStats computes aggregate statistics over the jobs table.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs WHERE created_at >= ?),
			(SELECT COUNT(DISTINCT submitter) FROM jobs WHERE created_at >= ?),
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM jobs WHERE status = ?),
			(SELECT COUNT(*) FROM jobs WHERE status = ?),
			(SELECT COALESCE(AVG(generation_time_s), 0) FROM jobs WHERE status = ?)`,
		cutoff, cutoff, StatusFailed, StatusComplete, StatusComplete,
	).Scan(&st.Jobs24h, &st.UniqueSubmitters24h, &st.TotalJobs,
		&st.TotalFailed, &st.TotalCompleted, &st.AvgGenerationTimeS)
	if err != nil {
		return nil, err
	}
	if st.TotalJobs > 0 {
		st.FailureRate = float64(st.TotalFailed) / float64(st.TotalJobs)
	}
	return &st, nil
}

// classifyMiss turns a zero-rows UPDATE into ErrNotFound or ErrTerminal.
func (s *Store) classifyMiss(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("store: job %s in unexpected status %s", id, job.Status)
}

const jobColumns = `id, status, original_filename, input_ref, input_hash,
	submitter, user_agent, settings, current_step, progress_pct, progress_message,
	stl_ref, glb_ref, vertex_count, face_count, is_watertight,
	generation_time_s, gpu_metrics, error_message, error_step,
	feedback_rating, feedback_text, created_at, assigned_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var userAgent, step, progMsg, stlRef, glbRef sql.NullString
	var errMsg, errStep, fbText, metricsJSON sql.NullString
	var vertices, faces, watertight, fbRating sql.NullInt64
	var genTime sql.NullFloat64
	var settingsJSON string
	var createdAt int64
	var assignedAt, completedAt sql.NullInt64

	err := row.Scan(
		&j.ID, &j.Status, &j.OriginalFilename, &j.InputRef, &j.InputHash,
		&j.Submitter, &userAgent, &settingsJSON, &step, &j.ProgressPct, &progMsg,
		&stlRef, &glbRef, &vertices, &faces, &watertight,
		&genTime, &metricsJSON, &errMsg, &errStep,
		&fbRating, &fbText, &createdAt, &assignedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settingsJSON), &j.Settings); err != nil {
		return nil, fmt.Errorf("store: unmarshal settings for %s: %w", j.ID, err)
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &j.GPUMetrics); err != nil {
			return nil, fmt.Errorf("store: unmarshal gpu metrics for %s: %w", j.ID, err)
		}
	}

	j.UserAgent = userAgent.String
	j.CurrentStep = step.String
	j.ProgressMessage = progMsg.String
	j.STLRef = stlRef.String
	j.GLBRef = glbRef.String
	j.VertexCount = int(vertices.Int64)
	j.FaceCount = int(faces.Int64)
	j.IsWatertight = watertight.Int64 == 1
	j.GenerationTimeS = genTime.Float64
	j.ErrorMessage = errMsg.String
	j.ErrorStep = errStep.String
	j.FeedbackRating = int(fbRating.Int64)
	j.FeedbackText = fbText.String

	j.CreatedAt = time.UnixMilli(createdAt)
	if assignedAt.Valid {
		t := time.UnixMilli(assignedAt.Int64)
		j.AssignedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
