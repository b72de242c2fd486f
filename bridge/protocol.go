// Package bridge owns the worker side of the pipeline: the single worker
// websocket session, the dispatch loop that feeds it jobs, the listener
// fan-out, and the reaper that expires jobs a dead worker left behind.
package bridge

import "encoding/json"

// Close codes beyond the RFC set.
const (
	// CloseDuplicateWorker rejects a second worker connection.
	CloseDuplicateWorker = 4000
)

// Frame types, worker → coordinator.
const (
	TypeWorkerHello = "worker_hello"
	TypeGPUStatus   = "gpu_status"
	TypeJobProgress = "job_progress"
	TypeJobComplete = "job_complete"
	TypeJobFailed   = "job_failed"
	TypePong        = "pong"
	TypeWorkerBye   = "worker_bye"
)

// Frame types, coordinator → worker.
const (
	TypeWelcome   = "welcome"
	TypeJobAssign = "job_assign"
	TypeCommand   = "command"
	TypePing      = "ping"
)

// Envelope is the first-pass decode of any frame.
type Envelope struct {
	Type string `json:"type"`
}

// WorkerHello introduces the worker after connecting.
type WorkerHello struct {
	Type        string  `json:"type"`
	GPUName     string  `json:"gpu_name"`
	VRAMTotalGB float64 `json:"vram_total_gb"`
	Version     string  `json:"worker_version,omitempty"`
}

// GPUStatus is the worker's periodic hardware report. Dispatch pauses while
// Available is false.
type GPUStatus struct {
	Type           string  `json:"type"`
	Available      bool    `json:"available"`
	ModelLoaded    bool    `json:"model_loaded,omitempty"`
	VRAMFreeGB     float64 `json:"vram_free_gb,omitempty"`
	VRAMUsedGB     float64 `json:"vram_used_gb,omitempty"`
	VRAMTotalGB    float64 `json:"vram_total_gb,omitempty"`
	UtilizationPct float64 `json:"utilization_pct,omitempty"`
	TempC          float64 `json:"temp_c,omitempty"`
}

// JobProgress reports one pipeline step. Pct is 0-100.
type JobProgress struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Step    string `json:"step"`
	Pct     int    `json:"progress_pct"`
	Message string `json:"message,omitempty"`
}

// JobComplete carries the artifacts. STL and GLB ride the frame base64-
// encoded ([]byte marshals as base64 in JSON); GLB is optional.
type JobComplete struct {
	Type            string         `json:"type"`
	JobID           string         `json:"job_id"`
	STLFilename     string         `json:"stl_filename,omitempty"`
	STL             []byte         `json:"stl_base64"`
	GLBFilename     string         `json:"glb_filename,omitempty"`
	GLB             []byte         `json:"glb_base64,omitempty"`
	VertexCount     int            `json:"vertex_count"`
	FaceCount       int            `json:"face_count"`
	IsWatertight    bool           `json:"is_watertight"`
	GenerationTimeS float64        `json:"generation_time_s"`
	GPUMetrics      map[string]any `json:"gpu_metrics,omitempty"`
}

// JobFailed reports a pipeline failure and the step it happened in.
type JobFailed struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

// Welcome is the first frame the coordinator sends on a worker session.
type Welcome struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// JobAssign hands one job to the worker. The image is base64 on the wire.
type JobAssign struct {
	Type     string         `json:"type"`
	JobID    string         `json:"job_id"`
	Filename string         `json:"image_filename"`
	Image    []byte         `json:"image_base64"`
	Settings map[string]any `json:"settings"`
}

// Command forwards an operator command to the worker.
type Command struct {
	Type   string `json:"type"`
	Action string `json:"action"` // pause, resume, force_process, cancel
	JobID  string `json:"job_id,omitempty"`
}

// decode unmarshals raw into v, small helper to keep the read pump flat.
func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
