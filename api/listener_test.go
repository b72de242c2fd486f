package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/store"
)

func (h *harness) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bridge.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bridge.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestListenerUnknownJob(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dialWS(t, "/ws/job/no-such-job")

	ev := readEvent(t, conn)
	require.Equal(t, "error", ev.Type)
	require.Equal(t, "job not found", ev.Error)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestListenerSnapshotPending(t *testing.T) {
	h := newHarness(t, nil)
	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	conn := h.dialWS(t, "/ws/job/"+id)
	ev := readEvent(t, conn)
	require.Equal(t, "status", ev.Type)
	require.Equal(t, store.StatusPending, ev.Status)
	require.Equal(t, 1, ev.QueuePosition)
}

func TestListenerTerminalSynthesized(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)
	claimed, err := h.store.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkFailed(ctx, claimed.ID, "CUDA out of memory", "generate"))

	conn := h.dialWS(t, "/ws/job/"+id)

	ev := readEvent(t, conn)
	require.Equal(t, "status", ev.Type)
	require.Equal(t, store.StatusFailed, ev.Status)
	require.Equal(t, "CUDA out of memory", ev.Error)

	ev = readEvent(t, conn)
	require.Equal(t, "failed", ev.Type)
	require.Equal(t, "generate", ev.ErrorStep)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

// A terminal transition right after the snapshot must reach the listener:
// once the snapshot is on the wire the subscription is already live, so the
// fan-out cannot fall between the row read and the subscribe.
func TestListenerFailureAfterSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	up := decodeBody(t, h.upload(t, "cat.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	conn := h.dialWS(t, "/ws/job/"+id)
	ev := readEvent(t, conn)
	require.Equal(t, "status", ev.Type)
	require.Equal(t, store.StatusPending, ev.Status)

	claimed, err := h.store.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkFailed(ctx, claimed.ID, "worker crashed", "generate"))
	h.subs.Publish(id, bridge.Event{
		Type: "failed", JobID: id, Status: store.StatusFailed,
		Error: "worker crashed", ErrorStep: "generate",
	})

	ev = readEvent(t, conn)
	require.Equal(t, "failed", ev.Type)
	require.Equal(t, "worker crashed", ev.Error)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

// TestEndToEnd drives the whole pipeline through the public surface: upload,
// worker dispatch over /ws/worker, live listener events, artifact download.
func TestEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	up := decodeBody(t, h.upload(t, "statue.jpg", jpegBytes, ""))
	id := up["job_id"].(string)

	listener := h.dialWS(t, "/ws/job/"+id)
	snap := readEvent(t, listener)
	require.Equal(t, "status", snap.Type)
	require.Equal(t, store.StatusPending, snap.Status)

	worker := h.dialWS(t, "/ws/worker?token="+workerToken)

	// welcome, then the dispatched job.
	var assign bridge.JobAssign
	for {
		worker.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env bridge.Envelope
		_, raw, err := worker.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == bridge.TypeJobAssign {
			require.NoError(t, json.Unmarshal(raw, &assign))
			break
		}
	}
	require.Equal(t, id, assign.JobID)
	require.Equal(t, jpegBytes, assign.Image)

	require.NoError(t, worker.WriteJSON(bridge.JobProgress{
		Type: bridge.TypeJobProgress, JobID: id, Step: "generate", Pct: 55, Message: "meshing",
	}))
	require.NoError(t, worker.WriteJSON(bridge.JobComplete{
		Type: bridge.TypeJobComplete, JobID: id,
		STL: []byte("solid statue"), VertexCount: 800, FaceCount: 1600,
		IsWatertight: true, GenerationTimeS: 21.0,
	}))

	// The listener sees progress (possibly preceded by the assigned
	// fan-out) and then the terminal event.
	var ev bridge.Event
	for {
		ev = readEvent(t, listener)
		if ev.Type == "complete" {
			break
		}
		require.Equal(t, "progress", ev.Type)
	}
	require.NotNil(t, ev.Result)
	require.Equal(t, 800, ev.Result.VertexCount)

	resp, err := http.Get(h.server.URL + ev.Result.STLURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
