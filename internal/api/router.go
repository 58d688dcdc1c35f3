package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskmill/internal/core"
	"taskmill/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the slice of the execution engine the API drives.
type Engine interface {
	RunNow(ctx context.Context, id string, vars map[string]any) (bool, error)
	FireTrigger(ctx context.Context, source string, vars map[string]any) (int, error)
	CancelTask(ctx context.Context, id string) error
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	engine     Engine
	invoker    *core.Registry
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler, when non-nil, is
// mounted at /mcp behind the same authentication.
func NewServer(addr, authToken string, st *store.Store, engine Engine, invoker *core.Registry, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     st,
		engine:    engine,
		invoker:   invoker,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes(mcpHandler)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes(mcpHandler http.Handler) {
	s.router.Get("/healthz", s.handleHealthz)

	if mcpHandler != nil {
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/schedule/preview", s.handleSchedulePreview)
		r.Post("/triggers/{source}", s.handleFireTrigger)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/executions", s.handleListExecutions)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/{executionID}", s.handleGetExecution)
			r.Get("/{executionID}/log", s.handleExecutionLog)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
