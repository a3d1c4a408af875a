// Package web exposes the status HTTP API: health, processing stats and the
// job queue surface used for submitting and polling long-running work.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/jobs"
)

// Server is the status HTTP server.
type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	httpServer *http.Server

	queue  *jobs.Queue
	pool   *jobs.Pool
	events *jobs.EventBroadcaster
	db     *database.Stores
}

// NewServer wires the router over the job queue and stores.
func NewServer(cfg *config.Config, queue *jobs.Queue, pool *jobs.Pool, events *jobs.EventBroadcaster, db *database.Stores) *Server {
	r := chi.NewRouter()
	s := &Server{
		cfg:    cfg,
		router: r,
		queue:  queue,
		pool:   pool,
		events: events,
		db:     db,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long enough for SSE streams
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{jobId}", s.handleGetJob)
		r.Delete("/jobs/{jobId}", s.handleCancelJob)
		r.Get("/jobs/{jobId}/events", s.handleJobEvents)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Printf("web: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("web: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down server: %w", err)
	}
	return nil
}

// Router exposes the mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
