package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/storage"
	"github.com/hazyhaar/meshq/store"
)

// ErrNoWorker is returned when a command needs a connected worker.
var ErrNoWorker = errors.New("bridge: no worker connected")

// Bridge holds at most one worker session and drives the dispatch loop.
type Bridge struct {
	store       *store.Store
	files       *storage.Store
	subs        *Registry
	log         *slog.Logger
	workerToken string
	dispatch    time.Duration

	kick chan struct{} // force_process wakes the dispatch loop early

	mu     sync.Mutex
	sess   *session
	paused bool
	hello  *WorkerHello
	gpu    *GPUStatus
}

type session struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	cancel      context.CancelFunc
	connectedAt time.Time
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// New builds a Bridge. dispatchEvery is how often the loop polls the queue.
func New(s *store.Store, files *storage.Store, subs *Registry, log *slog.Logger, workerToken string, dispatchEvery time.Duration) *Bridge {
	return &Bridge{
		store:       s,
		files:       files,
		subs:        subs,
		log:         log,
		workerToken: workerToken,
		dispatch:    dispatchEvery,
		kick:        make(chan struct{}, 1),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	// The worker authenticates with a bearer token; origin is meaningless
	// for a non-browser client.
	CheckOrigin: func(*http.Request) bool { return true },
}

// tokenOf pulls the bearer token from the Authorization header or, for
// clients that cannot set headers, the token query parameter.
func tokenOf(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}

// ServeWorker handles GET /ws/worker: upgrade, authenticate, install the
// session, then run the read pump until the worker goes away.
func (b *Bridge) ServeWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("bridge: worker upgrade failed", "err", err)
		return
	}

	if subtle.ConstantTimeCompare([]byte(tokenOf(r)), []byte(b.workerToken)) != 1 {
		b.log.Warn("bridge: worker auth failed", "remote", r.RemoteAddr)
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{conn: conn, cancel: cancel, connectedAt: time.Now()}

	b.mu.Lock()
	if b.sess != nil {
		b.mu.Unlock()
		cancel()
		b.log.Warn("bridge: duplicate worker rejected", "remote", r.RemoteAddr)
		closeWith(conn, CloseDuplicateWorker, "worker already connected")
		return
	}
	b.sess = sess
	b.mu.Unlock()

	metrics.WorkerConnected.Set(1)
	b.log.Info("bridge: worker connected", "remote", r.RemoteAddr)

	if err := sess.writeJSON(Welcome{Type: TypeWelcome, Message: "connected"}); err != nil {
		b.log.Warn("bridge: welcome failed", "err", err)
	}

	go b.dispatchLoop(ctx, sess)
	b.readPump(ctx, sess)
	b.teardown(sess)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// teardown clears the session if it is still the installed one. In-flight
// jobs stay assigned; the reaper or startup recovery picks them up.
func (b *Bridge) teardown(sess *session) {
	sess.cancel()
	sess.conn.Close()

	b.mu.Lock()
	if b.sess == sess {
		b.sess = nil
		b.hello = nil
		b.gpu = nil
		metrics.WorkerConnected.Set(0)
		b.log.Info("bridge: worker disconnected")
	}
	b.mu.Unlock()
}

// readPump routes worker frames until the connection dies.
func (b *Bridge) readPump(ctx context.Context, sess *session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Warn("bridge: worker read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := decode(raw, &env); err != nil {
			b.log.Warn("bridge: bad frame", "err", err)
			continue
		}

		switch env.Type {
		case TypeWorkerHello:
			var m WorkerHello
			if err := decode(raw, &m); err == nil {
				b.mu.Lock()
				b.hello = &m
				b.mu.Unlock()
				b.log.Info("bridge: worker hello",
					"gpu", m.GPUName, "vram_total_gb", m.VRAMTotalGB, "version", m.Version)
			}
		case TypeGPUStatus:
			var m GPUStatus
			if err := decode(raw, &m); err == nil {
				b.mu.Lock()
				b.gpu = &m
				b.mu.Unlock()
			}
		case TypeJobProgress:
			var m JobProgress
			if err := decode(raw, &m); err == nil {
				b.handleProgress(ctx, m)
			}
		case TypeJobComplete:
			var m JobComplete
			if err := decode(raw, &m); err == nil {
				b.handleComplete(ctx, m)
			}
		case TypeJobFailed:
			var m JobFailed
			if err := decode(raw, &m); err == nil {
				b.handleFailed(ctx, m)
			}
		case TypePong:
			// Transport liveness only.
		case TypeWorkerBye:
			b.log.Info("bridge: worker said goodbye")
			return
		default:
			b.log.Warn("bridge: unknown frame type", "type", env.Type)
		}
	}
}

// handleProgress persists first, then fans out the stored (clamped) value.
func (b *Bridge) handleProgress(ctx context.Context, m JobProgress) {
	stored, err := b.store.UpdateProgress(ctx, m.JobID, m.Step, m.Pct, m.Message)
	switch {
	case errors.Is(err, store.ErrTerminal):
		return // late event after a terminal transition, drop
	case errors.Is(err, store.ErrNotFound):
		b.log.Warn("bridge: progress for unknown job", "job_id", m.JobID)
		return
	case err != nil:
		b.log.Error("bridge: persist progress", "job_id", m.JobID, "err", err)
		return
	}
	if stored != m.Pct {
		b.log.Warn("bridge: progress clamped",
			"job_id", m.JobID, "reported", m.Pct, "stored", stored)
	}
	b.subs.Publish(m.JobID, Event{
		Type:    "progress",
		JobID:   m.JobID,
		Status:  store.StatusProcessing,
		Step:    m.Step,
		Pct:     stored,
		Message: m.Message,
	})
}

func (b *Bridge) handleComplete(ctx context.Context, m JobComplete) {
	if len(m.STL) == 0 {
		b.log.Error("bridge: job_complete without stl", "job_id", m.JobID)
		b.handleFailed(ctx, JobFailed{JobID: m.JobID, Error: "worker returned no mesh", Step: "export"})
		return
	}

	stlKey, err := b.files.SaveOutput(m.JobID+"/model.stl", m.STL)
	if err != nil {
		b.log.Error("bridge: save stl", "job_id", m.JobID, "err", err)
		return
	}
	var glbKey string
	if len(m.GLB) > 0 {
		if glbKey, err = b.files.SaveOutput(m.JobID+"/model.glb", m.GLB); err != nil {
			b.log.Error("bridge: save glb", "job_id", m.JobID, "err", err)
			glbKey = ""
		}
	}

	err = b.store.MarkComplete(ctx, m.JobID, store.Result{
		STLRef:          stlKey,
		GLBRef:          glbKey,
		VertexCount:     m.VertexCount,
		FaceCount:       m.FaceCount,
		IsWatertight:    m.IsWatertight,
		GenerationTimeS: m.GenerationTimeS,
		GPUMetrics:      m.GPUMetrics,
	})
	switch {
	case errors.Is(err, store.ErrTerminal):
		return // repeat of a terminal event, keep the first outcome
	case err != nil:
		b.log.Error("bridge: mark complete", "job_id", m.JobID, "err", err)
		return
	}

	metrics.JobsCompleted.Inc()
	b.store.Audit(ctx, "job_complete", "", m.JobID,
		fmt.Sprintf("%d vertices, %.1fs", m.VertexCount, m.GenerationTimeS))
	b.log.Info("bridge: job complete", "job_id", m.JobID,
		"vertices", m.VertexCount, "faces", m.FaceCount,
		"generation_s", m.GenerationTimeS)

	b.subs.Publish(m.JobID, Event{
		Type:   "complete",
		JobID:  m.JobID,
		Status: store.StatusComplete,
		Pct:    100,
		Result: &ResultView{
			VertexCount:     m.VertexCount,
			FaceCount:       m.FaceCount,
			IsWatertight:    m.IsWatertight,
			GenerationTimeS: m.GenerationTimeS,
			STLURL:          "/api/job/" + m.JobID + "/stl",
			GLBURL:          glbURL(m.JobID, glbKey),
		},
	})
}

func glbURL(jobID, glbKey string) string {
	if glbKey == "" {
		return ""
	}
	return "/api/job/" + jobID + "/glb"
}

func (b *Bridge) handleFailed(ctx context.Context, m JobFailed) {
	err := b.store.MarkFailed(ctx, m.JobID, m.Error, m.Step)
	switch {
	case errors.Is(err, store.ErrTerminal):
		return
	case err != nil:
		b.log.Error("bridge: mark failed", "job_id", m.JobID, "err", err)
		return
	}

	metrics.JobsFailed.Inc()
	b.store.Audit(ctx, "job_failed", "", m.JobID, m.Error)
	b.log.Warn("bridge: job failed", "job_id", m.JobID, "step", m.Step, "err", m.Error)

	b.subs.Publish(m.JobID, Event{
		Type:      "failed",
		JobID:     m.JobID,
		Status:    store.StatusFailed,
		Error:     m.Error,
		ErrorStep: m.Step,
	})
}

// dispatchLoop feeds the worker one job at a time. It polls the queue on a
// ticker and can be woken early by force_process.
func (b *Bridge) dispatchLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(b.dispatch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		b.dispatchOne(ctx, sess)
	}
}

func (b *Bridge) dispatchOne(ctx context.Context, sess *session) {
	b.mu.Lock()
	paused := b.paused
	gpuDown := b.gpu != nil && !b.gpu.Available
	b.mu.Unlock()
	if paused || gpuDown {
		return
	}

	// One job at a time: anything already assigned or processing means the
	// GPU is busy.
	sum, err := b.store.Summary(ctx)
	if err != nil {
		b.log.Error("bridge: queue summary", "err", err)
		return
	}
	if sum[store.StatusAssigned]+sum[store.StatusProcessing] > 0 {
		return
	}

	job, err := b.store.ClaimNextPending(ctx)
	if err != nil {
		b.log.Error("bridge: claim", "err", err)
		return
	}
	if job == nil {
		return
	}

	image, err := b.files.ReadInput(job.InputRef)
	if err != nil {
		b.log.Error("bridge: input unreadable", "job_id", job.ID, "ref", job.InputRef, "err", err)
		b.handleFailed(ctx, JobFailed{JobID: job.ID, Error: "Input image missing", Step: "queued"})
		return
	}

	assign := JobAssign{
		Type:     TypeJobAssign,
		JobID:    job.ID,
		Filename: job.OriginalFilename,
		Image:    image,
		Settings: job.Settings,
	}
	if err := sess.writeJSON(assign); err != nil {
		// Leave the job assigned; teardown and recovery deal with it.
		b.log.Error("bridge: send job_assign", "job_id", job.ID, "err", err)
		return
	}

	metrics.JobsDispatched.Inc()
	b.log.Info("bridge: job dispatched", "job_id", job.ID, "bytes", len(image))
	b.subs.Publish(job.ID, Event{
		Type:   "progress",
		JobID:  job.ID,
		Status: store.StatusAssigned,
		Step:   "assigned",
		Pct:    0,
	})
}

// Pause stops dispatching and tells the worker, if one is connected.
func (b *Bridge) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	b.log.Info("bridge: dispatch paused")
	b.Forward("pause", "")
}

// Resume restarts dispatching.
func (b *Bridge) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
	b.log.Info("bridge: dispatch resumed")
	b.Forward("resume", "")
}

// ForceProcess wakes the dispatch loop without waiting for the ticker, and
// forwards the command so the worker can flush anything it buffers.
func (b *Bridge) ForceProcess() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
	b.Forward("force_process", "")
}

// Forward sends a command frame to the worker. The frame is passed through
// verbatim; whether the worker honors it is its own business.
func (b *Bridge) Forward(action, jobID string) error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return ErrNoWorker
	}
	return sess.writeJSON(Command{Type: TypeCommand, Action: action, JobID: jobID})
}

// Ping sends an application-level ping frame to the worker. Ping is its own
// frame type, not a command action; the worker answers with a pong frame.
func (b *Bridge) Ping() error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return ErrNoWorker
	}
	return sess.writeJSON(Envelope{Type: TypePing})
}

// WorkerStatus is the admin-facing view of the session.
type WorkerStatus struct {
	Connected   bool         `json:"connected"`
	Paused      bool         `json:"paused"`
	ConnectedAt *time.Time   `json:"connected_at,omitempty"`
	Hello       *WorkerHello `json:"worker,omitempty"`
	GPU         *GPUStatus   `json:"gpu,omitempty"`
}

// Status reports the current session state.
func (b *Bridge) Status() WorkerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := WorkerStatus{Connected: b.sess != nil, Paused: b.paused}
	if b.sess != nil {
		t := b.sess.connectedAt
		st.ConnectedAt = &t
	}
	st.Hello = b.hello
	st.GPU = b.gpu
	return st
}
