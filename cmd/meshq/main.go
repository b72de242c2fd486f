// meshq is the image→mesh pipeline coordinator: HTTP intake, SQLite-backed
// job queue, one GPU worker over a persistent websocket, artifact fan-out to
// job listeners.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/meshq/admission"
	"github.com/hazyhaar/meshq/api"
	"github.com/hazyhaar/meshq/bridge"
	"github.com/hazyhaar/meshq/config"
	"github.com/hazyhaar/meshq/metrics"
	"github.com/hazyhaar/meshq/storage"
	"github.com/hazyhaar/meshq/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	jobs := store.New(db)

	// A coordinator restart orphans anything the previous worker session
	// held; put it back on the queue before accepting connections.
	recovered, err := jobs.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("startup recovery", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("startup recovery", "requeued", recovered)
	}
	prometheus.MustRegister(metrics.PendingDepth(func() float64 {
		n, err := jobs.PendingCount(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}))

	files, err := storage.New(cfg.DataDir)
	if err != nil {
		logger.Error("storage", "error", err)
		os.Exit(1)
	}

	subs := bridge.NewRegistry()
	br := bridge.New(jobs, files, subs, logger, cfg.WorkerToken, cfg.DispatchInterval.Std())
	gate := admission.NewGate(jobs, logger, cfg.UploadsPerDay, cfg.MaxPendingJobs)

	reaper := bridge.NewReaper(jobs, logger, cfg.ReapInterval.Std(), cfg.JobTimeout.Std())
	go reaper.Run(ctx)

	srv := api.New(cfg, jobs, files, gate, nil, br, subs, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("meshq: listening", "addr", cfg.Listen, "database", cfg.Database)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
	logger.Info("meshq: stopped")
}
