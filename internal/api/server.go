// Package api provides the coordinator's HTTP server: the request/reply
// registration and heartbeat channels plus the client submission and status
// endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/flotillahq/flotilla/internal/aggregator"
	"github.com/flotillahq/flotilla/internal/api/handlers"
	"github.com/flotillahq/flotilla/internal/api/middleware"
	"github.com/flotillahq/flotilla/internal/scheduler"
	"github.com/flotillahq/flotilla/internal/state"
	"github.com/flotillahq/flotilla/pkg/config"
)

// Server is the coordinator's HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     *config.Config
	logger     *slog.Logger
}

// NewServer creates an API server wired to the coordinator's components.
func NewServer(cfg *config.Config, st *state.State, sched *scheduler.Scheduler, agg *aggregator.Aggregator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{config: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	taskHandler := handlers.NewTaskHandler(st, sched, agg, logger)
	r.Post("/submit_task", taskHandler.Submit)
	r.Get("/task_status/{taskID}", taskHandler.Status)

	nodeHandler := handlers.NewNodeHandler(st, logger)
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", nodeHandler.List)
		r.Post("/register", nodeHandler.Register)
		r.Post("/heartbeat", nodeHandler.Heartbeat)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start starts the HTTP server and blocks until it fails or ctx is
// cancelled. A Shutdown invoked from elsewhere also unblocks Start, which
// then returns nil: however the teardown is triggered, a graceful stop is
// not an error.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			// Closed without a send: the server stopped via Shutdown.
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
