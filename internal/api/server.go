// Package api serves the orchestrator's HTTP status and call API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/server"
	"github.com/mattjoyce/workq/internal/task"
)

// DefaultMaxCallTimeout caps how long POST /call waits for a worker.
const DefaultMaxCallTimeout = 5 * time.Minute

// Orchestrator is the part of the server the API reads and calls through.
type Orchestrator interface {
	Status() server.Status
	Task(signature string) (*task.Task, bool)
}

// WorkJournal looks up journaled work.
type WorkJournal interface {
	Get(ctx context.Context, workID string) (*journal.Record, error)
	Recent(ctx context.Context, limit int) ([]*journal.Record, error)
}

// EventSource feeds GET /events.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration
type Config struct {
	Listen         string
	MaxCallTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	orch      Orchestrator
	journal   WorkJournal
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server. journal and events may be nil; their
// endpoints then answer 404.
func New(config Config, orch Orchestrator, journal WorkJournal, events EventSource, logger *slog.Logger) *Server {
	if config.MaxCallTimeout <= 0 {
		config.MaxCallTimeout = DefaultMaxCallTimeout
	}
	return &Server{
		config:    config,
		orch:      orch,
		journal:   journal,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// calls may wait for a worker up to MaxCallTimeout
		WriteTimeout: s.config.MaxCallTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/work", s.handleListWork)
	r.Get("/work/{workID}", s.handleGetWork)
	r.Get("/events", s.handleEvents)
	r.Post("/call/{signature}", s.handleCall)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
