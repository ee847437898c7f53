package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/taskorch/internal/store"
	"github.com/me/taskorch/pkg/model"
)

// ResultSource looks up the result of a finished task.
type ResultSource interface {
	GetResult(ctx context.Context, taskID int64, timeout time.Duration) (model.Result, bool, error)
}

// Server is the taskorch status API.
type Server struct {
	router        chi.Router
	logger        *slog.Logger
	startTime     time.Time
	store         store.Store
	results       ResultSource
	resultTimeout time.Duration
	version       string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithResultTimeout bounds how long /tasks/{id}/result waits for a result.
func WithResultTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.resultTimeout = d
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new Server with all routes registered.
// results may be nil, in which case task results are never available.
func New(st store.Store, results ResultSource, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.With("component", "server"),
		startTime:     time.Now(),
		store:         st,
		results:       results,
		resultTimeout: 5 * time.Second,
		version:       "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Get("/logs", s.handleGetTaskLogs)
				r.Get("/result", s.handleGetTaskResult)
				r.Put("/ack", s.handleAckTask)
			})
		})

		r.Get("/teams", s.handleListTeams)
		r.Post("/teams", s.handleCreateTeam)

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleCreateScript)
			r.Put("/{id}/archive", s.handleArchiveScript)
		})

		r.Get("/workers", s.handleListWorkers)
		r.Get("/queues", s.handleListQueues)
	})
}
