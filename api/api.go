// Package api exposes the coordinator over HTTP: the public upload and
// status surface, the listener and worker websockets, and the
// token-protected admin API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/meshq/admission"
	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/config"
	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/storage"
	"github.com/hazyhaar/meshq/store"
)

// Server wires the HTTP surface to the rest of the system.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	files     *storage.Store
	gate      *admission.Gate
	validator admission.Validator
	bridge    *bridge.Bridge
	subs      *bridge.Registry
	log       *slog.Logger
}

// New builds a Server. validator may be nil, in which case magic-byte
// sniffing with the configured size cap is used.
func New(cfg *config.Config, s *store.Store, files *storage.Store,
	gate *admission.Gate, validator admission.Validator,
	b *bridge.Bridge, subs *bridge.Registry, log *slog.Logger) *Server {
	if validator == nil {
		validator = &admission.SniffValidator{MaxBytes: cfg.MaxUploadBytes}
	}
	return &Server{
		cfg:       cfg,
		store:     s,
		files:     files,
		gate:      gate,
		validator: validator,
		bridge:    b,
		subs:      subs,
		log:       log,
	}
}

// Router assembles the chi mux.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/queue", s.handleQueue)
		r.Get("/gallery", s.handleGallery)
		r.Route("/job/{id}", func(r chi.Router) {
			r.Get("/", s.handleJobStatus)
			r.Get("/stl", s.handleJobSTL)
			r.Get("/glb", s.handleJobGLB)
			r.Post("/feedback", s.handleFeedback)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			s.mountAdmin(r)
		})
	})

	r.Get("/ws/job/{id}", s.handleJobListener)
	r.Get("/ws/worker", s.bridge.ServeWorker)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.bridge.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"worker_connected": st.Connected,
		"paused":           st.Paused,
	})
}

// adminAuth guards /api/admin with the admin bearer token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}

// clientIP is the admission identity. RealIP middleware already folded
// X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
