// Package api serves the HTTP interface: job status and event streams,
// backup and restore submission, and scheduler administration.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/extract"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
	"github.com/raphaelgruber/graphkeeper/internal/scheduler"
)

// DefaultHeartbeat is the SSE keepalive interval.
const DefaultHeartbeat = 15 * time.Second

// Deps are the services the API exposes.
type Deps struct {
	Jobs      *jobs.Manager
	Events    *jobs.Publisher
	Backups   *backup.Orchestrator
	Restores  *restore.Orchestrator
	Scheduler *scheduler.Scheduler
	// Extractions is optional; without it the extraction route is absent.
	Extractions *extract.Extractor
	Auth        Authenticator
	// Ping reports storage health. Nil means always healthy.
	Ping    func(ctx context.Context) error
	Metrics prometheus.Gatherer

	// UploadDir receives restore uploads until their job ends.
	UploadDir      string
	MaxUploadBytes int64
	Heartbeat      time.Duration
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
func New(deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = DefaultHeartbeat
	}
	if deps.UploadDir == "" {
		deps.UploadDir = os.TempDir()
	}
	if err := os.MkdirAll(deps.UploadDir, 0o755); err != nil {
		return nil, err
	}

	s := &Server{deps: deps, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	if deps.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = min(deps.MaxUploadBytes, 32<<20)
	}

	r.GET("/health", s.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.GET("/jobs/:id/events", s.jobEvents)
		api.POST("/jobs/:id/approve", s.approveJob)
		api.POST("/jobs/:id/cancel", s.cancelJob)

		api.POST("/backups", s.createBackup)
		api.GET("/backups", s.listBackups)
		api.GET("/backups/:filename", s.downloadBackup)

		api.POST("/restores", s.createRestore)

		if deps.Extractions != nil {
			api.POST("/extractions", s.createExtraction)
		}

		api.GET("/scheduler/status", s.schedulerStatus)
		api.POST("/scheduler/cleanup", s.triggerCleanup)
	}

	s.router = r
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// Open event streams are closed by the shutdown deadline.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http api")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
