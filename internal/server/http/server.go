// Package httpserver provides the HTTP API of the paper pipeline service:
// paper triggers, task inspection, server-sent event streams and health.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/pipeline"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// KeepAlive is the SSE comment ping interval.
	KeepAlive time.Duration
	// MaxStreamDuration is the maximum time an SSE stream may remain open.
	MaxStreamDuration time.Duration

	// MetricsPath serves Prometheus metrics when MetricsHandler is set.
	MetricsPath string
	// MetricsHandler is the Prometheus handler; nil disables /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	orch       *pipeline.Orchestrator
	checks     map[string]HealthCheck
	cfg        Config
	logger     zerolog.Logger
}

// NewServer creates a new HTTP server. checks are run by /readyz.
func NewServer(cfg Config, orch *pipeline.Orchestrator, checks map[string]HealthCheck, logger zerolog.Logger) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.MaxStreamDuration <= 0 {
		cfg.MaxStreamDuration = 4 * time.Hour
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		orch:   orch,
		checks: checks,
		cfg:    cfg,
		logger: logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogger(s.logger))

	r.Group(func(r chi.Router) {
		r.Use(jsonContentTypeMiddleware)
		r.Get("/healthz", s.healthHandler)
		r.Get("/readyz", s.readinessHandler)
	})
	if s.cfg.MetricsHandler != nil {
		r.Handle(s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Streams set their own content type.
		r.Get("/events", s.streamEvents)
		r.With(jsonContentTypeMiddleware).Post("/papers", s.createPaper)

		r.Route("/papers/{paperID}", func(r chi.Router) {
			r.Use(paperContext)
			r.Get("/events", s.streamPaperEvents)

			r.Group(func(r chi.Router) {
				r.Use(jsonContentTypeMiddleware)
				r.Get("/", s.getPaper)
				r.Post("/process", s.processPaper)
				r.Post("/requeue", s.requeuePaper)
				r.Post("/status", s.transitionPaper)
				r.Delete("/processing", s.cancelProcessing)
				r.Get("/tasks", s.getPaperTasks)
			})
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; an encode failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
