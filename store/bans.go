package store

import (
	"context"
	"database/sql"
	"net"
	"time"
)

// Ban is one ip_bans row. IPOrCIDR is either a plain address ("10.0.0.4")
// or a CIDR block ("10.0.0.0/24").
type Ban struct {
	ID        int64     `json:"id"`
	IPOrCIDR  string    `json:"ip_or_cidr"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AddBan records a ban. Re-banning the same value updates the reason.
func (s *Store) AddBan(ctx context.Context, ipOrCIDR, reason string) error {
	_, err := s.exec(ctx, `
		INSERT INTO ip_bans (ip_or_cidr, reason, created_at) VALUES (?,?,?)
		ON CONFLICT(ip_or_cidr) DO UPDATE SET reason = excluded.reason`,
		ipOrCIDR, nullStr(reason), time.Now().UnixMilli(),
	)
	return err
}

// RemoveBan deletes a ban by id. Unknown ids return ErrNotFound.
func (s *Store) RemoveBan(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM ip_bans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBans returns all bans, newest first.
func (s *Store) ListBans(ctx context.Context) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_or_cidr, reason, created_at
		FROM ip_bans ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		var reason sql.NullString
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.IPOrCIDR, &reason, &createdAt); err != nil {
			return nil, err
		}
		b.Reason = reason.String
		b.CreatedAt = time.UnixMilli(createdAt)
		bans = append(bans, &b)
	}
	return bans, rows.Err()
}

// IsBanned reports whether ip matches any ban, either exactly or by CIDR
// containment. Unparseable ban entries are skipped.
func (s *Store) IsBanned(ctx context.Context, ip string) (bool, error) {
	bans, err := s.ListBans(ctx)
	if err != nil {
		return false, err
	}
	addr := net.ParseIP(ip)
	for _, b := range bans {
		if b.IPOrCIDR == ip {
			return true, nil
		}
		if addr == nil {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(b.IPOrCIDR); err == nil && ipnet.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}
