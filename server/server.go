// Package server exposes the HTTP observability API: health, readiness,
// daemon status, recording history, and Prometheus metrics. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/replive-recorder/poller"
	"github.com/onnwee/replive-recorder/recorder"
)

// StatusSource provides the live daemon state the /status and /readyz
// endpoints report.
type StatusSource interface {
	Channels() []poller.ChannelStatus
	Recordings() []recorder.JobStatus
	TokenExpiresAt() time.Time
}

// NewMux returns the HTTP handler with all routes. db may be nil when the
// daemon runs without recording history; /recordings then reports 404.
func NewMux(db *sql.DB, src StatusSource) http.Handler {
	handlers := NewHandlers(db, src)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/recordings", handlers.HandleRecordings)

	return withCorrelation(mux)
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, db *sql.DB, src StatusSource, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(db, src),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
