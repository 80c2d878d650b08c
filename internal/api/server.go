// Package api exposes the local relay API: task submission and progress
// streaming, the reconciled message view, and synced resource snapshots.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dvhoward/stackpilot/internal/chat"
	"github.com/dvhoward/stackpilot/internal/resource"
	"github.com/dvhoward/stackpilot/internal/store"
	"github.com/dvhoward/stackpilot/internal/task"
)

// Config holds API server configuration.
type Config struct {
	Listen string
	Token  string
}

// Server represents the local HTTP relay server.
type Server struct {
	config     Config
	manager    *task.Manager
	reconciler *chat.Reconciler
	tracker    *resource.Tracker
	tasks      *store.TaskStore
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new relay server instance.
func New(config Config, manager *task.Manager, reconciler *chat.Reconciler, tracker *resource.Tracker, tasks *store.TaskStore, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		manager:    manager,
		reconciler: reconciler,
		tracker:    tracker,
		tasks:      tasks,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE endpoints are long-lived streams.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("relay server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("relay server shutting down")
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

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/v1/tasks", s.handleSubmitTask)
		r.Get("/v1/tasks", s.handleListTasks)
		r.Get("/v1/tasks/{task_id}", s.handleGetTask)
		r.Post("/v1/tasks/{task_id}/stop", s.handleStopTask)
		r.Get("/v1/tasks/{task_id}/events", s.handleTaskEvents)
		r.Get("/v1/messages", s.handleListMessages)
		r.Get("/v1/deployments", s.handleListDeployments)
		r.Get("/v1/databases", s.handleListDatabases)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
