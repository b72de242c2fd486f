package store

import (
	"context"
	"database/sql"
	"time"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // "upload", "job_complete", "job_failed", "admin_action", ...
	Submitter string    `json:"submitter,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit records the audit trail for uploads, terminal job events and admin
// actions. It shares the jobs database; upload quota counting reads it too.
func (s *Store) Audit(ctx context.Context, action, submitter, jobID, detail string) error {
	_, err := s.exec(ctx, `
		INSERT INTO audit_log (action, submitter, job_id, detail, created_at)
		VALUES (?,?,?,?,?)`,
		action, nullStr(submitter), nullStr(jobID), nullStr(detail),
		time.Now().UnixMilli(),
	)
	return err
}

// CountActionSince counts audit entries for one submitter+action after the
// cutoff. Used by the admission quota (uploads per 24 h).
func (s *Store) CountActionSince(ctx context.Context, action, submitter string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE action = ? AND submitter = ? AND created_at >= ?`,
		action, submitter, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

// AuditFilter narrows AuditLog results. Zero values mean "no filter".
type AuditFilter struct {
	Action string
	After  *time.Time
	Before *time.Time
	Page   int
	Limit  int
}

// AuditLog returns a page of audit entries, newest first, plus the total.
func (s *Store) AuditLog(ctx context.Context, f AuditFilter) ([]*AuditEntry, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 50
	}

	where := "1=1"
	var args []any
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.After != nil {
		where += " AND created_at >= ?"
		args = append(args, f.After.UnixMilli())
	}
	if f.Before != nil {
		where += " AND created_at <= ?"
		args = append(args, f.Before.UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, submitter, job_id, detail, created_at FROM audit_log WHERE "+
			where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, f.Limit, (f.Page-1)*f.Limit)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var submitter, jobID, detail sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &submitter, &jobID, &detail, &createdAt); err != nil {
			return nil, 0, err
		}
		e.Submitter = submitter.String
		e.JobID = jobID.String
		e.Detail = detail.String
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}
