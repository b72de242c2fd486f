// Package admission decides whether an upload may enter the queue.
//
// Checks run in a fixed order — ban, daily quota, queue capacity — so a
// banned client always sees the ban, never a rate-limit message. Quota
// counting reads the audit trail; counts are cached briefly so a burst of
// uploads does not hammer the database.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/meshq/store"
)

var (
	// ErrBanned: the submitter matches an IP ban.
	ErrBanned = errors.New("admission: banned")
	// ErrRateLimited: the submitter used up the daily upload quota.
	ErrRateLimited = errors.New("admission: daily quota exhausted")
	// ErrQueueFull: the pending queue is at capacity.
	ErrQueueFull = errors.New("admission: queue full")
)

const countTTL = time.Minute

type quotaEntry struct {
	count     int
	fetchedAt time.Time
}

// Gate runs the admission checks against the store.
type Gate struct {
	store      *store.Store
	log        *slog.Logger
	maxPending int
	perDay     int

	mu     sync.Mutex
	counts map[string]*quotaEntry
}

// NewGate builds a Gate. perDay and maxPending come from config.
func NewGate(s *store.Store, log *slog.Logger, perDay, maxPending int) *Gate {
	return &Gate{
		store:      s,
		log:        log,
		maxPending: maxPending,
		perDay:     perDay,
		counts:     make(map[string]*quotaEntry),
	}
}

// Admit runs the checks for one upload attempt. On success it returns the
// quota remaining after this upload is recorded.
func (g *Gate) Admit(ctx context.Context, submitter string) (remaining int, err error) {
	banned, err := g.store.IsBanned(ctx, submitter)
	if err != nil {
		return 0, err
	}
	if banned {
		g.log.Info("admission: rejected banned submitter", "submitter", submitter)
		return 0, ErrBanned
	}

	used, err := g.uploadsToday(ctx, submitter)
	if err != nil {
		return 0, err
	}
	if used >= g.perDay {
		g.log.Info("admission: quota exhausted", "submitter", submitter, "used", used)
		return 0, ErrRateLimited
	}

	pending, err := g.store.PendingCount(ctx)
	if err != nil {
		return 0, err
	}
	if pending >= g.maxPending {
		g.log.Warn("admission: queue full", "pending", pending, "max", g.maxPending)
		return 0, ErrQueueFull
	}

	return g.perDay - used - 1, nil
}

// RecordUpload writes the audit entry that makes the upload count against
// the quota, and bumps the cached count.
func (g *Gate) RecordUpload(ctx context.Context, submitter, jobID string) error {
	if err := g.store.Audit(ctx, "upload", submitter, jobID, ""); err != nil {
		return err
	}
	g.mu.Lock()
	if e, ok := g.counts[submitter]; ok {
		e.count++
	}
	g.mu.Unlock()
	return nil
}

func (g *Gate) uploadsToday(ctx context.Context, submitter string) (int, error) {
	g.mu.Lock()
	e, ok := g.counts[submitter]
	if ok && time.Since(e.fetchedAt) < countTTL {
		n := e.count
		g.mu.Unlock()
		return n, nil
	}
	g.mu.Unlock()

	n, err := g.store.CountActionSince(ctx, "upload", submitter, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.counts[submitter] = &quotaEntry{count: n, fetchedAt: time.Now()}
	g.mu.Unlock()
	return n, nil
}
