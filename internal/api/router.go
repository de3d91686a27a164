package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/catalyst-iam/catalyst/internal/api/handlers"
	"github.com/catalyst-iam/catalyst/internal/api/middleware"
	"github.com/catalyst-iam/catalyst/internal/config"
)

// NewRouter creates the HTTP router with all gateway routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Catalyst-Org", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/healthz", h.Health)
	r.Get("/version", versionHandler(cfg))

	// Forward auth. Proxies probe with whatever method the original request
	// used, so every verb lands on the same handler.
	r.HandleFunc("/auth", h.ForwardAuth)
	r.HandleFunc("/auth/*", h.ForwardAuth)

	// Admin API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Get("/", h.ListKeys)
			r.Post("/", h.IssueKey)
			r.Post("/verify", h.VerifyKey)
			r.Delete("/{keyID}", h.RevokeKey)
		})

		r.Put("/users", h.UpsertUser)
		r.Put("/orgs", h.UpsertOrg)

		r.Get("/identity/{userID}", h.GetIdentity)
		r.Post("/entitlements", h.GrantEntitlement)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/subscriptions", h.CreateSubscription)
		})
		r.Post("/events", h.EmitEvent)

		r.Get("/audit", h.ListAudit)
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "catalyst-gateway",
		})
	}
}
