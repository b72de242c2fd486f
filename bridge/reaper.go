package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/store"
)

// Reaper expires jobs the worker claimed but never finished. It is the
// backstop for a crashed worker whose session the coordinator still held;
// expired jobs are logged and audited, not fanned out to listeners.
type Reaper struct {
	store    *store.Store
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewReaper(s *store.Store, log *slog.Logger, interval, timeout time.Duration) *Reaper {
	return &Reaper{store: s, log: log, interval: interval, timeout: timeout}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper: started", "interval", r.interval, "timeout", r.timeout)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper: stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.store.ExpireStale(ctx, r.timeout)
	if err != nil {
		r.log.Error("reaper: expire", "err", err)
		return
	}
	for _, id := range ids {
		metrics.JobsExpired.Inc()
		r.store.Audit(ctx, "job_expired", "", id, "")
		r.log.Warn("reaper: job expired", "job_id", id, "timeout", r.timeout)
	}
}
