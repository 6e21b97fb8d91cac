// Package server exposes the HTTP surface: log ingestion, job scheduling and
// the admin endpoints the CLI talks to. Every process runs the same server;
// what differs per process is whether a scheduler election loop feeds the
// status endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/config"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/leader"
	"github.com/companionmemory/compmem/internal/logstore"
)

// StatusSource reports the scheduler election state of this process.
// *leader.Elector implements it; processes that run no scheduler pass nil.
type StatusSource interface {
	Status(ctx context.Context) (*leader.Status, error)
}

// Server is the HTTP server for compmem.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	logs      *logstore.Store
	scheduler *jobs.Scheduler
	store     *jobs.Store
	clock     clock.Clock
	status    StatusSource // nil when this process runs no scheduler
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, logs *logstore.Store, scheduler *jobs.Scheduler, store *jobs.Store, clk clock.Clock, status StatusSource) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		logs:      logs,
		scheduler: scheduler,
		store:     store,
		clock:     clk,
		status:    status,
	}

	// Health checks (no auth, no content-type restriction).
	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(s.requireAuthToken)

		r.Post("/log", s.handleAppendLog)
		r.Post("/schedule", s.handleScheduleJob)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/stats", s.handleJobStats)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Get("/scheduler/status", s.handleSchedulerStatus)
		})
	})

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
