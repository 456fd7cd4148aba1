// Package server exposes the synthesis service over HTTP.
//
// Routes:
//
//   - GET  /health    engine readiness report
//   - GET  /voices    predefined voice names
//   - GET  /languages supported language codes
//   - POST /tts       synthesize text with a predefined or reference voice
//   - POST /clone     synthesize text with an uploaded reference recording
//   - GET  /metrics   Prometheus metrics, when enabled
//
// The speaker_wav field of /tts names a file on the server. It is resolved
// inside the configured reference directory; paths leading outside it are
// rejected with 400.
//
// Errors are JSON objects of the form {"detail": "..."}.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/artifact"
	"github.com/book-expert/tts-api/internal/core"
	"github.com/book-expert/tts-api/internal/observe"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
	idleTimeout       = 120 * time.Second
)

// Synthesizer is the service behind the HTTP handlers.
type Synthesizer interface {
	Engine() core.Engine
	Voices(ctx context.Context) ([]string, error)
	Languages() []string
	Synthesize(ctx context.Context, req core.SpeechRequest) (artifact.Artifact, error)
	Clone(ctx context.Context, reference io.Reader, req core.SpeechRequest) (artifact.Artifact, error)
}

// Info describes the running engine in health reports.
type Info struct {
	Engine string
	Device string
	Model  string
}

// Options configures a Server.
type Options struct {
	Info Info
	// MaxUploadBytes caps request bodies; larger requests get 413.
	MaxUploadBytes int64
	Metrics        *observe.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// Verbose logs every request, not only failures.
	Verbose bool
}

// Server holds the HTTP handlers.
type Server struct {
	svc     Synthesizer
	opts    Options
	log     *logger.Logger
	handler http.Handler
}

// New creates a Server and builds its routes.
func New(svc Synthesizer, opts Options, log *logger.Logger) *Server {
	s := &Server{
		svc:  svc,
		opts: opts,
		log:  log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("GET /languages", s.handleLanguages)
	mux.HandleFunc("POST /tts", s.handleTTS)
	mux.HandleFunc("POST /clone", s.handleClone)

	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	s.handler = observe.Middleware(opts.Metrics, log, opts.Verbose)(mux)

	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.log.Info("HTTP server listening on %s", addr)

		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info("Shutting down HTTP server")

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	err = <-errChan
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}
