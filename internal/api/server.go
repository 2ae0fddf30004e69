package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
	"github.com/opensource-finance/smartunderwrite/internal/underwriting"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, ruleSvc *rules.Service, uwSvc *underwriting.Service, store domain.Store, cache domain.Cache, bus domain.EventBus, version string) *Server {
	handler := NewHandler(ruleSvc, uwSvc, store, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no affiliate required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (affiliate required)
	router.Route("/", func(r chi.Router) {
		r.Use(AffiliateMiddleware)

		// Field catalog for rule authors
		r.Get("/fields", handler.ListFields)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/validate", handler.ValidateRule)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/{id}/activate", handler.ActivateRule)
		r.Post("/rules/{id}/deactivate", handler.DeactivateRule)
		r.Post("/rules/{id}/versions", handler.CreateRuleVersion)
		r.Get("/rules/{id}/history", handler.GetRuleHistory)

		// Application intake and decisioning
		r.Post("/applications", handler.SubmitApplication)
		r.Get("/applications/{id}", handler.GetApplication)
		r.Post("/applications/{id}/evaluate", handler.EvaluateApplication)
		r.Get("/applications/{id}/decision", handler.GetDecision)
		r.Get("/applications/{id}/decisions", handler.ListDecisions)
		r.Post("/applications/{id}/decision", handler.OverrideDecision)
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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
