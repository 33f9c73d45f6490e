// Package httpapi exposes the item store over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/prefstore-api/internal/auth"
	"github.com/erauner12/prefstore-api/internal/store"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Store *store.Service
	Auth  *auth.Authenticator

	// RateLimitRPS enables per-caller rate limiting when positive.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Routes creates the HTTP router with all item endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health checks (unauthenticated)
	r.Get("/v1/healthz", s.Healthz)
	r.Get("/v1/readyz", s.Readyz)

	// All item endpoints require a resolved scope
	r.Group(func(r chi.Router) {
		r.Use(s.scopeMiddleware)
		if s.RateLimitRPS > 0 {
			r.Use(RateLimitMiddleware(s.RateLimitRPS, s.RateLimitBurst))
		}

		r.Get("/v1/items", s.ListItems)
		r.Post("/v1/items:batchGet", s.BatchGetItems)
		r.Post("/v1/items:batchPut", s.BatchPutItems)

		// wildcard so keys may contain slashes
		r.Get("/v1/items/*", s.GetItem)
		r.Put("/v1/items/*", s.PutItem)
		r.Delete("/v1/items/*", s.DeleteItem)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
