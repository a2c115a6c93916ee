// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatehousehq/gatehouse/internal/provision"
	"github.com/gatehousehq/gatehouse/internal/server/auth"
	"github.com/gatehousehq/gatehouse/internal/server/config"
	"github.com/gatehousehq/gatehouse/internal/server/store"
)

// Server represents the HTTP API server
type Server struct {
	router       *chi.Mux
	store        *store.Store
	authStore    *auth.Store
	orchestrator *provision.Orchestrator
	config       *config.Config
	httpServer   *http.Server
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, st *store.Store, runner provision.Runner) (*Server, error) {
	authStore := auth.NewStore(st.Pool())

	orchestrator := provision.NewOrchestrator(st, runner, provision.Config{
		TemplateDir:     cfg.Provision.TemplateDir,
		DeploymentsDir:  cfg.Provision.DeploymentsDir,
		StartTimeout:    cfg.Provision.StartTimeout,
		MigrateTimeout:  cfg.Provision.MigrateTimeout,
		TeardownTimeout: cfg.Provision.TeardownTimeout,
	})

	s := &Server{
		router:       chi.NewRouter(),
		store:        st,
		authStore:    authStore,
		orchestrator: orchestrator,
		config:       cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// setupMiddleware configures global middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Public routes
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	// Metrics endpoint (if enabled)
	if s.config.Features.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	s.router.Route("/v1", func(r chi.Router) {
		// Connection code redemption is unauthenticated: the code itself
		// is the credential.
		r.Post("/connect", s.handleConnect)

		// Auth routes (protected)
		r.Route("/auth", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/keys", s.handleCreateAPIKey)
			r.Get("/keys", s.handleListAPIKeys)
			r.Delete("/keys/{keyID}", s.handleRevokeAPIKey)
		})

		// Workspace routes (protected; mutations need the write scope)
		r.Route("/workspaces", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.handleListWorkspaces)
			r.Get("/{workspaceID}", s.handleGetWorkspace)
			r.Get("/{workspaceID}/logs", s.handleWorkspaceLogs)

			r.Group(func(r chi.Router) {
				r.Use(s.requireScope("write"))
				r.Post("/", s.handleCreateWorkspace)
				r.Patch("/{workspaceID}", s.handleUpdateWorkspace)
				r.Delete("/{workspaceID}", s.handleDecommissionWorkspace)
				r.Post("/{workspaceID}/provision", s.handleProvisionWorkspace)
				r.Post("/{workspaceID}/credentials", s.handleCreateCredential)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
