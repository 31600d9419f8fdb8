package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"busdelay/internal/handler"
)

func withMiddleware(h http.Handler, logger *slog.Logger, ready func(context.Context) bool) http.Handler {
	return securityHeaders(requestLogger(waitForCatalog(h, ready), logger))
}

// waitForCatalog answers estimate requests with 503 while the reference
// catalog is being imported. Health, metrics and model listing pass through.
func waitForCatalog(next http.Handler, ready func(context.Context) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1/estimate") || ready(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		handler.WriteError(w, http.StatusServiceUnavailable, "ServiceUnavailable",
			"reference catalog is still loading", true)
	})
}

func requestLogger(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// scrapes are too frequent to log
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
