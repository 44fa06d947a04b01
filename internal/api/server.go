package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Deps are the components served by the API. Repo, Cache, Collector and
// Config are optional.
type Deps struct {
	Engine    *decision.Engine
	Corrector *compliance.AutoCorrector
	Repo      domain.Repository
	Cache     domain.Cache
	Collector *metrics.Collector
	Config    *config.Store
	Version   string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Probes and monitoring (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/status", handler.Status)
	if deps.Collector != nil {
		router.Method(http.MethodGet, "/metrics", deps.Collector.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/decisions", handler.MakeDecision)
		r.Get("/decisions", handler.ListDecisions)
		r.Get("/decisions/{id}", handler.GetDecision)
		r.Post("/decisions/{id}/feedback", handler.ProvideFeedback)

		r.Post("/strategies/reload", handler.ReloadStrategies)

		if deps.Corrector != nil {
			r.Route("/compliance", func(r chi.Router) {
				r.Get("/entities", handler.ListEntities)
				r.Get("/entities/{id}", handler.GetEntity)
				r.Put("/entities/{id}", handler.UpsertEntity)
				r.Post("/detect", handler.DetectErrors)
				r.Post("/autofix", handler.AutoFixErrors)
				r.Get("/errors", handler.ListErrors)
				r.Get("/report", handler.Report)
			})
		}
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
