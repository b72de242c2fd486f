package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/meshq/admission"
	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/storage"
	"github.com/hazyhaar/meshq/store"
)

// handleUpload runs the admission flow and enqueues the job.
//
// Multipart form: "image" is the file; "settings" is an optional JSON object
// merged over the configured defaults.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	// Cap the whole request a little above the image cap to leave room for
	// multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+64<<10)

	remaining, err := s.gate.Admit(ctx, ip)
	switch {
	case errors.Is(err, admission.ErrBanned):
		metrics.UploadsRejected.WithLabelValues("banned").Inc()
		writeError(w, http.StatusForbidden, "you are banned from this service")
		return
	case errors.Is(err, admission.ErrRateLimited):
		metrics.UploadsRejected.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "daily upload limit reached")
		return
	case errors.Is(err, admission.ErrQueueFull):
		metrics.UploadsRejected.WithLabelValues("queue_full").Inc()
		writeError(w, http.StatusServiceUnavailable, "queue is full, try again later")
		return
	case err != nil:
		s.log.Error("api: admission", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable image file")
		return
	}

	input, err := s.validator.Validate(data, header.Filename)
	switch {
	case errors.Is(err, admission.ErrTooLarge):
		metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	case errors.Is(err, admission.ErrUnsupported):
		metrics.UploadsRejected.WithLabelValues("unsupported").Inc()
		writeError(w, http.StatusBadRequest, "unsupported image format")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings := s.mergeSettings(r.FormValue("settings"))

	job, err := s.store.Enqueue(ctx, &store.Job{
		OriginalFilename: header.Filename,
		InputHash:        input.Hash,
		Submitter:        ip,
		UserAgent:        r.UserAgent(),
		Settings:         settings,
	})
	if err != nil {
		s.log.Error("api: enqueue", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	key, err := s.files.SaveInput(job.ID+"."+input.Ext, input.Cleaned)
	if err != nil {
		s.log.Error("api: save input", "job_id", job.ID, "err", err)
		s.store.Delete(ctx, job.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.SetInputRef(ctx, job.ID, key); err != nil {
		s.log.Error("api: set input ref", "job_id", job.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.gate.RecordUpload(ctx, ip, job.ID); err != nil {
		s.log.Error("api: record upload", "job_id", job.ID, "err", err)
	}
	metrics.JobsEnqueued.Inc()

	pos, err := s.store.QueuePosition(ctx, job)
	if err != nil {
		pos = 0
	}
	s.log.Info("api: upload accepted",
		"job_id", job.ID, "submitter", ip, "bytes", len(input.Cleaned), "position", pos)

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          job.ID,
		"status":          job.Status,
		"queue_position":  pos,
		"remaining_quota": remaining,
	})
}

// mergeSettings lays the client's JSON over the configured defaults.
// Unparseable input falls back to pure defaults.
func (s *Server) mergeSettings(raw string) map[string]any {
	merged := make(map[string]any, len(s.cfg.DefaultSettings))
	for k, v := range s.cfg.DefaultSettings {
		merged[k] = v
	}
	if raw == "" {
		return merged
	}
	var client map[string]any
	if err := json.Unmarshal([]byte(raw), &client); err != nil {
		s.log.Warn("api: bad settings json, using defaults", "err", err)
		return merged
	}
	for k, v := range client {
		merged[k] = v
	}
	return merged
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.statusDoc(r, job))
}

// statusDoc builds the public view of a job.
func (s *Server) statusDoc(r *http.Request, job *store.Job) map[string]any {
	doc := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
		"progress": map[string]any{
			"step":    job.CurrentStep,
			"pct":     job.ProgressPct,
			"message": job.ProgressMessage,
		},
	}
	if job.Status == store.StatusPending {
		if pos, err := s.store.QueuePosition(r.Context(), job); err == nil {
			doc["queue_position"] = pos
		}
	}
	if job.Status == store.StatusComplete {
		doc["result"] = resultView(job)
	}
	if job.ErrorMessage != "" {
		doc["error"] = map[string]any{
			"message": job.ErrorMessage,
			"step":    job.ErrorStep,
		}
	}
	return doc
}

func resultView(job *store.Job) *bridge.ResultView {
	v := &bridge.ResultView{
		VertexCount:     job.VertexCount,
		FaceCount:       job.FaceCount,
		IsWatertight:    job.IsWatertight,
		GenerationTimeS: job.GenerationTimeS,
		STLURL:          "/api/job/" + job.ID + "/stl",
	}
	if job.GLBRef != "" {
		v.GLBURL = "/api/job/" + job.ID + "/glb"
	}
	return v
}

func (s *Server) handleJobSTL(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, "stl")
}

func (s *Server) handleJobGLB(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, "glb")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, kind string) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	ref := job.STLRef
	contentType := "model/stl"
	if kind == "glb" {
		ref = job.GLBRef
		contentType = "model/gltf-binary"
	}
	if ref == "" {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	path, err := s.files.OutputPath(ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not available")
			return
		}
		s.log.Error("api: artifact path", "job_id", job.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="model.`+kind+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		s.log.Error("api: queue summary", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	st := s.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":           sum,
		"worker_connected": st.Connected,
		"paused":           st.Paused,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Rating int    `json:"rating"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	err := s.store.SetFeedback(r.Context(), job.ID, body.Rating, body.Text)
	switch {
	case errors.Is(err, store.ErrNotComplete):
		writeError(w, http.StatusConflict, "job is not complete")
		return
	case errors.Is(err, store.ErrFeedbackExists):
		writeError(w, http.StatusConflict, "feedback already submitted")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 24)
	offset := queryInt(r, "offset", 0)
	jobs, err := s.store.Gallery(r.Context(), 4, limit, offset)
	if err != nil {
		s.log.Error("api: gallery", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, map[string]any{
			"job_id":       job.ID,
			"rating":       job.FeedbackRating,
			"feedback":     job.FeedbackText,
			"vertex_count": job.VertexCount,
			"face_count":   job.FaceCount,
			"stl_url":      "/api/job/" + job.ID + "/stl",
			"completed_at": job.CompletedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// jobFromPath resolves {id} or writes a 404.
func (s *Server) jobFromPath(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.log.Error("api: get job", "job_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return job, true
}
