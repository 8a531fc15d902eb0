// Package api serves the command surface over HTTP: the GraphQL API at
// /query, plus REST routes for job submission, status, deletion, push
// channel control and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/embedctl/internal/graph"
	"github.com/raphaelgruber/embedctl/internal/service"
)

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 500 * time.Millisecond

// maxBodyBytes bounds a job submission body.
const maxBodyBytes = 32 << 20

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server routes HTTP requests to the command surface.
type Server struct {
	cmds     *service.Commands
	router   *chi.Mux
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates the relay with all routes registered.
func New(cmds *service.Commands, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cmds:   cmds,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleHistory)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/result", s.handleResult)
		r.Delete("/{id}", s.handleDelete)
	})

	r.Get("/connection", s.handleConnectionState)
	r.Post("/connection", s.handleConnect)
	r.Delete("/connection", s.handleDisconnect)

	r.Get("/events", s.handleEvents)

	r.Handle("/query", graph.NewHandler(cmds, logger))

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// logRequests logs every request with timing. Slow requests are logged at WARN level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			s.logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold && !websocket.IsWebSocketUpgrade(r):
			s.logger.Warn("slow request", attrs...)
		default:
			s.logger.Debug("request completed", attrs...)
		}
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps command errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrJobRunning), errors.Is(err, service.ErrPushDisabled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // the event feed is long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", addr)
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

	logger.Info("shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}
