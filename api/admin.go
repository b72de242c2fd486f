package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/store"
)

func (s *Server) mountAdmin(r chi.Router) {
	r.Route("/worker", func(r chi.Router) {
		r.Get("/", s.adminWorkerStatus)
		r.Post("/pause", s.adminPause)
		r.Post("/resume", s.adminResume)
		r.Post("/force", s.adminForce)
		r.Post("/ping", s.adminPing)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.adminListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.adminJobDetail)
			r.Post("/retry", s.adminRetryJob)
			r.Post("/cancel", s.adminCancelJob)
			r.Delete("/", s.adminDeleteJob)
		})
	})
	r.Route("/bans", func(r chi.Router) {
		r.Get("/", s.adminListBans)
		r.Post("/", s.adminAddBan)
		r.Delete("/{id}", s.adminRemoveBan)
	})
	r.Get("/audit", s.adminAuditLog)
	r.Get("/stats", s.adminStats)
	r.Get("/dashboard", s.adminDashboard)
}

// audit records an admin action; admin identity is the calling IP.
func (s *Server) audit(r *http.Request, detail string) {
	if err := s.store.Audit(r.Context(), "admin_action", clientIP(r), "", detail); err != nil {
		s.log.Error("api: audit admin action", "detail", detail, "err", err)
	}
}

func (s *Server) adminWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) adminPause(w http.ResponseWriter, r *http.Request) {
	s.bridge.Pause()
	s.audit(r, "pause")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) adminResume(w http.ResponseWriter, r *http.Request) {
	s.bridge.Resume()
	s.audit(r, "resume")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) adminForce(w http.ResponseWriter, r *http.Request) {
	s.bridge.ForceProcess()
	s.audit(r, "force_process")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminPing(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Ping(); err != nil {
		if errors.Is(err, bridge.ErrNoWorker) {
			writeError(w, http.StatusServiceUnavailable, "no worker connected")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: store.Status(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 20),
	}
	jobs, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.log.Error("api: list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, s.adminJobDoc(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  items,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// adminJobDoc is the full row view, submitter and error details included.
func (s *Server) adminJobDoc(job *store.Job) map[string]any {
	doc := map[string]any{
		"job_id":            job.ID,
		"status":            job.Status,
		"original_filename": job.OriginalFilename,
		"input_hash":        job.InputHash,
		"submitter":         job.Submitter,
		"user_agent":        job.UserAgent,
		"settings":          job.Settings,
		"current_step":      job.CurrentStep,
		"progress_pct":      job.ProgressPct,
		"created_at":        job.CreatedAt,
	}
	if job.AssignedAt != nil {
		doc["assigned_at"] = job.AssignedAt
	}
	if job.CompletedAt != nil {
		doc["completed_at"] = job.CompletedAt
	}
	if job.Status == store.StatusComplete {
		doc["result"] = resultView(job)
		doc["gpu_metrics"] = job.GPUMetrics
	}
	if job.ErrorMessage != "" {
		doc["error"] = map[string]any{"message": job.ErrorMessage, "step": job.ErrorStep}
	}
	if job.FeedbackRating > 0 {
		doc["feedback"] = map[string]any{"rating": job.FeedbackRating, "text": job.FeedbackText}
	}
	return doc
}

func (s *Server) adminJobDetail(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.adminJobDoc(job))
}

func (s *Server) adminRetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.Retry(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.audit(r, "retry "+job.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": store.StatusPending})
}

// adminCancelJob force-fails a job in the database and, best effort, tells
// the worker. The worker may still finish the GPU pass; its late terminal
// event will be dropped.
func (s *Server) adminCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	err := s.store.CancelActive(r.Context(), job.ID)
	if errors.Is(err, store.ErrTerminal) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.bridge.Forward("cancel", job.ID); err != nil && !errors.Is(err, bridge.ErrNoWorker) {
		s.log.Warn("api: forward cancel", "job_id", job.ID, "err", err)
	}
	s.audit(r, "cancel "+job.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": store.StatusFailed})
}

func (s *Server) adminDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.InputRef != "" {
		if err := s.files.RemoveInput(job.InputRef); err != nil {
			s.log.Warn("api: remove input", "job_id", job.ID, "err", err)
		}
	}
	if err := s.files.RemoveOutputs(job.ID); err != nil {
		s.log.Warn("api: remove outputs", "job_id", job.ID, "err", err)
	}
	s.audit(r, "delete "+job.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.store.ListBans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": bans})
}

func (s *Server) adminAddBan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IPOrCIDR string `json:"ip_or_cidr"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IPOrCIDR == "" {
		writeError(w, http.StatusBadRequest, "ip_or_cidr is required")
		return
	}
	if err := s.store.AddBan(r.Context(), body.IPOrCIDR, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "ban "+body.IPOrCIDR)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminRemoveBan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ban id")
		return
	}
	if err := s.store.RemoveBan(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ban not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, "unban "+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) adminAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, total, err := s.store.AuditLog(r.Context(), store.AuditFilter{
		Action: r.URL.Query().Get("action"),
		Page:   queryInt(r, "page", 1),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// adminDashboard bundles what the admin UI shows on its landing page.
func (s *Server) adminDashboard(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  sum,
		"stats":  stats,
		"worker": s.bridge.Status(),
	})
}
