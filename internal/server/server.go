// Package server exposes the worker's HTTP API: probes, recorded builds,
// their logs and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"buildrunner/internal/server/handlers"
	"buildrunner/internal/server/middleware"
)

// Options configures the HTTP server.
type Options struct {
	// Store backs the build endpoints; when nil only probes and metrics are served.
	Store handlers.Store

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// RateLimit is the per-client request rate; 0 disables limiting.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Server is the HTTP server for the worker API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server listening on addr.
func New(addr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Handler(opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func Handler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := handlers.New(opts.Store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)

	if opts.Store != nil {
		api := http.NewServeMux()
		api.HandleFunc("GET /builds", h.ListBuilds)
		api.HandleFunc("GET /builds/{id}", h.GetBuild)
		api.HandleFunc("GET /builds/{id}/logs", h.GetBuildLogs)

		var routed http.Handler = api
		if opts.RateLimit > 0 {
			routed = middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware()(routed)
		}
		mux.Handle("/builds", routed)
		mux.Handle("/builds/", routed)
	}

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return middleware.RequestID(logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
