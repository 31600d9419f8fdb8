package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"busdelay/internal/handler"
)

// Options configures a Server.
type Options struct {
	Port int
	// AdminEndpoints exposes POST /api/v1/refresh.
	AdminEndpoints bool
	// CatalogReady reports whether the reference catalog has been imported.
	// Estimates are answered with 503 until it returns true; it is asked again
	// on each estimate request until then. nil means ready.
	CatalogReady func(ctx context.Context) bool
}

// Server is the HTTP server for the delay estimation API.
type Server struct {
	mux    *http.ServeMux
	opts   Options
	logger *slog.Logger
	ready  chan struct{} // closed when the reference catalog is available
	once   sync.Once
}

// New creates a new Server with all routes registered.
func New(h *handler.Handler, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{mux: mux, opts: opts, logger: logger, ready: make(chan struct{})}
	if opts.CatalogReady == nil || opts.CatalogReady(context.Background()) {
		s.SetReady()
	}

	mux.HandleFunc("GET /api/health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/estimate", h.Estimate)
	mux.HandleFunc("POST /api/v1/estimate", h.Estimate)

	mux.HandleFunc("GET /api/v1/models", h.ListModels)
	mux.HandleFunc("GET /api/v1/models/active", h.ActiveModel)

	mux.HandleFunc("GET /api/v1/refresh", h.RefreshStatus)
	if opts.AdminEndpoints {
		mux.HandleFunc("POST /api/v1/refresh", h.TriggerRefresh)
	}

	return s
}

// SetReady signals that the reference catalog is available.
func (s *Server) SetReady() {
	s.once.Do(func() { close(s.ready) })
}

// catalogLoaded reports whether estimates can be served, polling
// CatalogReady while the catalog has not been seen yet.
func (s *Server) catalogLoaded(ctx context.Context) bool {
	select {
	case <-s.ready:
		return true
	default:
	}
	if s.opts.CatalogReady != nil && s.opts.CatalogReady(ctx) {
		s.logger.Info("reference catalog available")
		s.SetReady()
		return true
	}
	return false
}

// Handler returns the mux wrapped in middleware.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux, s.logger, s.catalogLoaded)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
