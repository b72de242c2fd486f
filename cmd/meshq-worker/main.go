// meshq-worker is a mock GPU worker for development and protocol testing.
// It speaks the full worker protocol against a running coordinator: hello,
// periodic gpu_status, scripted progress for every assigned job, and a small
// fabricated binary STL as the result. It reconnects with backoff.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/meshq/bridge"
)

var progressScript = []struct {
	step    string
	pct     int
	message string
}{
	{"preprocess", 10, "removing background"},
	{"generate", 35, "running diffusion"},
	{"generate", 70, "extracting surface"},
	{"export", 90, "writing mesh"},
}

func main() {
	server := flag.String("server", "ws://localhost:8000/ws/worker", "coordinator worker endpoint")
	token := flag.String("token", os.Getenv("MESHQ_WORKER_TOKEN"), "worker bearer token")
	stepDelay := flag.Duration("step-delay", 2*time.Second, "delay between progress steps")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *token == "" {
		logger.Error("worker token is required (-token or MESHQ_WORKER_TOKEN)")
		os.Exit(1)
	}

	backoff := time.Second
	for {
		err := runSession(logger, *server, *token, *stepDelay)
		logger.Warn("session ended, reconnecting", "err", err, "backoff", backoff)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func runSession(logger *slog.Logger, server, token string, stepDelay time.Duration) error {
	conn, _, err := websocket.DefaultDialer.Dial(server+"?token="+token, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	if err := send(bridge.WorkerHello{
		Type:        bridge.TypeWorkerHello,
		GPUName:     "Mock GPU",
		VRAMTotalGB: 24,
		Version:     "dev",
	}); err != nil {
		return err
	}
	logger.Info("connected", "server", server)

	// Periodic gpu_status for as long as the session lives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				send(bridge.GPUStatus{
					Type:        bridge.TypeGPUStatus,
					Available:   true,
					VRAMUsedGB:  2.1,
					VRAMTotalGB: 24,
				})
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env bridge.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("bad frame", "err", err)
			continue
		}
		switch env.Type {
		case bridge.TypeWelcome:
			logger.Info("coordinator welcomed us")
		case bridge.TypeJobAssign:
			var assign bridge.JobAssign
			if err := json.Unmarshal(raw, &assign); err != nil {
				logger.Warn("bad job_assign", "err", err)
				continue
			}
			runJob(logger, send, assign, stepDelay)
		case bridge.TypeCommand:
			var cmd bridge.Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			logger.Info("command", "action", cmd.Action, "job_id", cmd.JobID)
		case bridge.TypePing:
			send(map[string]string{"type": bridge.TypePong})
		default:
			logger.Warn("unknown frame", "type", env.Type)
		}
	}
}

func runJob(logger *slog.Logger, send func(any) error, assign bridge.JobAssign, stepDelay time.Duration) {
	logger.Info("job assigned", "job_id", assign.JobID,
		"filename", assign.Filename, "bytes", len(assign.Image))
	start := time.Now()

	for _, p := range progressScript {
		time.Sleep(stepDelay)
		if err := send(bridge.JobProgress{
			Type:    bridge.TypeJobProgress,
			JobID:   assign.JobID,
			Step:    p.step,
			Pct:     p.pct,
			Message: p.message,
		}); err != nil {
			logger.Warn("send progress", "err", err)
			return
		}
	}

	stl := fabricateSTL()
	err := send(bridge.JobComplete{
		Type:            bridge.TypeJobComplete,
		JobID:           assign.JobID,
		STLFilename:     "model.stl",
		STL:             stl,
		VertexCount:     4,
		FaceCount:       4,
		IsWatertight:    true,
		GenerationTimeS: time.Since(start).Seconds(),
		GPUMetrics:      map[string]any{"vram_peak_gb": 2.4, "mock": true},
	})
	if err != nil {
		logger.Warn("send complete", "err", err)
		return
	}
	logger.Info("job complete", "job_id", assign.JobID, "stl_bytes", len(stl))
}

// fabricateSTL writes a binary STL tetrahedron.
func fabricateSTL() []byte {
	verts := [4][3]float32{
		{0, 0, 0}, {1, 0, 0}, {0.5, 1, 0}, {0.5, 0.5, 1},
	}
	faces := [4][3]int{{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}}

	var buf bytes.Buffer
	header := make([]byte, 80)
	copy(header, []byte("mock mesh"))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, uint32(len(faces)))
	for _, f := range faces {
		binary.Write(&buf, binary.LittleEndian, [3]float32{0, 0, 1}) // normal
		for _, vi := range f {
			binary.Write(&buf, binary.LittleEndian, verts[vi])
		}
		binary.Write(&buf, binary.LittleEndian, uint16(0)) // attribute byte count
	}
	return buf.Bytes()
}
