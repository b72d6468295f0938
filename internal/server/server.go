// Package server implements the HTTP surface of the relay: the
// Anthropic-protocol proxy routes and the management API behind the
// dashboard.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/events"
	"github.com/eugener/shadowfax/internal/logging"
	"github.com/eugener/shadowfax/internal/storage"
	"github.com/eugener/shadowfax/internal/strategy"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/token"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store      storage.Store
	Auth       *auth.APIKeyAuth
	Proxy      http.Handler // dispatcher behind /v1/messages and /messages
	Tokens     *token.Manager
	Strategies *strategy.Registry
	Bus        *events.Bus
	Logs       *logging.BusHandler // nil = empty log history
	Metrics    *telemetry.Metrics  // nil = no request metrics
	Prom       http.Handler        // nil = no /metrics route
	Retention  RetentionDefaults

	// DefaultStrategy is reported when no strategy setting row exists yet.
	DefaultStrategy string
}

// RetentionDefaults are the configured windows the settings rows override.
type RetentionDefaults struct {
	PayloadDays int
	RequestDays int
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware. authenticate skips the exempt paths itself, so it
	// can sit in the global chain.
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.instrument)
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	if deps.Prom != nil {
		r.Method(http.MethodGet, "/metrics", deps.Prom)
	}

	// Proxy surface. Both prefixes funnel into the dispatcher; it maps the
	// short form onto /v1/messages before going upstream.
	r.Post("/v1/messages", s.handleProxy)
	r.Post("/v1/messages/*", s.handleProxy)
	r.Post("/messages", s.handleProxy)
	r.Post("/messages/*", s.handleProxy)

	// Management API.
	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleCreateAccount)
		r.Route("/accounts/{name}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteAccount)
			r.Post("/rename", s.handleRenameAccount)
			r.Post("/pause", s.handlePauseAccount)
			r.Post("/resume", s.handleResumeAccount)
			r.Post("/priority", s.handleAccountPriority)
			r.Post("/endpoint", s.handleAccountEndpoint)
			r.Post("/mappings", s.handleAccountMappings)
		})

		r.Post("/oauth/init", s.handleOAuthInit)
		r.Post("/oauth/callback", s.handleOAuthCallback)

		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/detail", s.handleRequestDetail)
		r.Get("/requests/stream", s.handleRequestStream)

		r.Get("/analytics", s.handleAnalytics)

		r.Route("/config", func(r chi.Router) {
			r.Get("/strategy", s.handleGetStrategy)
			r.Post("/strategy", s.handleSetStrategy)
			r.Get("/default-model", s.handleGetDefaultModel)
			r.Post("/default-model", s.handleSetDefaultModel)
			r.Get("/retention", s.handleGetRetention)
			r.Post("/retention", s.handleSetRetention)
			r.Get("/translations", s.handleListTranslations)
			r.Post("/translations", s.handleCreateTranslation)
			r.Delete("/translations/{id}", s.handleDeleteTranslation)
			r.Get("/agents", s.handleListAgents)
			r.Post("/agents", s.handleSetAgent)
			r.Delete("/agents/{agent}", s.handleDeleteAgent)
		})

		r.Post("/maintenance/cleanup", s.handleCleanup)
		r.Post("/maintenance/compact", s.handleCompact)

		r.Get("/logs/stream", s.handleLogStream)
		r.Get("/logs/history", s.handleLogHistory)

		r.Get("/api-keys", s.handleListKeys)
		r.Post("/api-keys", s.handleCreateKey)
		r.Post("/api-keys/{id}", s.handleUpdateKey)
		r.Delete("/api-keys/{id}", s.handleDeleteKey)
	})

	return r
}

type server struct {
	deps Deps
}
