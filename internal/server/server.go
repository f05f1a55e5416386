// Package server assembles the HTTP surface: routing, middleware, and
// lifecycle for the bridge daemon.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/okuno-dsi/revit-mcp-bridge/internal/errors"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/server/handlers"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/server/middleware"
)

// Server is the bridge HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	log    *zap.Logger

	bridge   *handlers.Bridge
	registry *prometheus.Registry

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	httpServer *http.Server
}

// Option customizes the server.
type Option func(*Server)

// WithBridge mounts the job queue API.
func WithBridge(b *handlers.Bridge) Option {
	return func(s *Server) { s.bridge = b }
}

// WithMetricsRegistry mounts /metrics backed by the given registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTimeouts overrides the listener timeouts.
func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
		s.shutdownTimeout = shutdown
	}
}

// New builds a server listening on host:port once Start is called.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		log:             zap.NewNop(),
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	if s.bridge != nil {
		r.Post("/enqueue", s.bridge.EnqueueHandler)
		r.Get("/job/{jobID}", s.bridge.JobHandler)
		r.Get("/jobs", s.bridge.JobsHandler)
		r.Get("/heartbeat", s.bridge.HeartbeatHandler)
		r.Post("/heartbeat", s.bridge.HeartbeatHandler)
		r.Post("/cancel", s.bridge.CancelHandler)
		r.Get("/pending_request", s.bridge.PendingRequestHandler)
		r.Post("/post_result", s.bridge.PostResultHandler)
	}

	return r
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start runs the listener until ctx ends, then drains connections within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.Addr()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.log.Info("http server draining", zap.Duration("timeout", s.shutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
