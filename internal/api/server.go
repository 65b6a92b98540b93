package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matching"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector matching.TransferDetector, matchingCfg domain.MatchingConfig, reload ReloadFunc, version string) *Server {
	handler := NewHandler(repo, cache, bus, detector, matchingCfg, reload, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no user required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Config reload (operator endpoint, no user required)
	router.Post("/config/reload", handler.ReloadConfig)

	// API routes (user required)
	router.Route("/", func(r chi.Router) {
		r.Use(UserMiddleware)

		// Reconciliation runs
		r.Post("/reconcile/run", handler.RunReconciliation)

		// Match review
		r.Get("/matches", handler.ListMatches)
		r.Get("/matches/{id}", handler.GetMatch)
		r.Post("/matches/{id}/accept", handler.AcceptMatch)
		r.Post("/matches/{id}/reject", handler.RejectMatch)
		r.Post("/matches/batch-accept", handler.BatchAcceptMatches)

		// Transactions
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Post("/transactions/{id}/create-entry", handler.CreateEntryFromTransaction)

		// Transfer visibility
		r.Get("/transfers/processing-balance", handler.ProcessingBalance)
		r.Get("/transfers/unpaired", handler.UnpairedTransfers)
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
