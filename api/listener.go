package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/store"
)

var listenerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 4 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleJobListener serves GET /ws/job/{id}: one snapshot of the current
// state, then live events until the job reaches a terminal state, the
// client goes away, or the idle timeout fires. Any client input resets the
// idle timer.
func (s *Server) handleJobListener(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := listenerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: listener upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	metrics.Listeners.Inc()
	defer metrics.Listeners.Dec()

	idle := s.cfg.ListenerIdleTimeout.Std()

	// Subscribe before reading the row: a terminal fan-out racing the
	// snapshot lands in the buffer instead of being lost, and the row read
	// below sees any transition that happened first.
	sub := s.subs.Subscribe(id)
	defer s.subs.Unsubscribe(sub)

	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		conn.WriteJSON(bridge.Event{Type: "error", JobID: id, Error: "job not found"})
		closeNormal(conn)
		return
	}
	if err != nil {
		s.log.Error("api: listener get job", "job_id", id, "err", err)
		conn.WriteJSON(bridge.Event{Type: "error", JobID: id, Error: "internal error"})
		closeNormal(conn)
		return
	}

	if err := conn.WriteJSON(s.snapshotEvent(r, job)); err != nil {
		return
	}

	// A job that already finished gets its terminal event synthesized from
	// the row; there is nothing to subscribe to.
	if job.Status.Terminal() {
		conn.WriteJSON(terminalEvent(job))
		closeNormal(conn)
		return
	}

	// Reader: consumes client frames purely to reset the idle deadline and
	// to notice the peer going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			conn.SetReadDeadline(time.Now().Add(idle))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case ev, ok := <-sub.C():
			if !ok {
				// Dropped by the registry (buffer overflow).
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == "complete" || ev.Type == "failed" {
				closeNormal(conn)
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// snapshotEvent captures the job's full current state.
func (s *Server) snapshotEvent(r *http.Request, job *store.Job) bridge.Event {
	ev := bridge.Event{
		Type:    "status",
		JobID:   job.ID,
		Status:  job.Status,
		Step:    job.CurrentStep,
		Pct:     job.ProgressPct,
		Message: job.ProgressMessage,
	}
	if job.Status == store.StatusPending {
		if pos, err := s.store.QueuePosition(r.Context(), job); err == nil {
			ev.QueuePosition = pos
		}
	}
	if job.Status == store.StatusComplete {
		ev.Result = resultView(job)
	}
	if job.ErrorMessage != "" {
		ev.Error = job.ErrorMessage
		ev.ErrorStep = job.ErrorStep
	}
	return ev
}

// terminalEvent synthesizes the event a live listener would have received.
func terminalEvent(job *store.Job) bridge.Event {
	switch job.Status {
	case store.StatusComplete:
		return bridge.Event{
			Type:   "complete",
			JobID:  job.ID,
			Status: job.Status,
			Pct:    100,
			Result: resultView(job),
		}
	default: // failed or expired
		return bridge.Event{
			Type:      "failed",
			JobID:     job.ID,
			Status:    job.Status,
			Error:     job.ErrorMessage,
			ErrorStep: job.ErrorStep,
		}
	}
}
