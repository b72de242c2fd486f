package bridge

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/meshq/store"
)

func TestReaperSweep(t *testing.T) {
	s := store.OpenMemory(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, &store.Job{OriginalFilename: "a.png", Submitter: "192.0.2.1"})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, &store.Job{OriginalFilename: "b.png", Submitter: "192.0.2.1"})
	require.NoError(t, err)

	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)

	// Timeout in the past: the claimed job is stale immediately.
	r := NewReaper(s, slog.New(slog.DiscardHandler), time.Minute, -time.Second)
	r.Sweep(ctx)

	got, err := s.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusExpired, got.Status)
	require.Equal(t, "Job timed out", got.ErrorMessage)

	// The pending job is untouched and the expiry is audited.
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries, total, err := s.AuditLog(ctx, store.AuditFilter{Action: "job_expired"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, claimed.ID, entries[0].JobID)
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	s := store.OpenMemory(t)
	r := NewReaper(s, slog.New(slog.DiscardHandler), 5*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
