/**
 * @description
 * This file sets up the HTTP router for the reward service: provider webhooks, the public
 * redemption page API, internal server-to-server routes and the admin review routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the browser-facing redemption routes.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets and origins the router needs.
type RouterConfig struct {
	InternalAPIKey string
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates the reward service router.
func NewRouter(h *Handlers, webhooks *WebhookHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/webhooks/{provider}", webhooks.ServeHTTP)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
		r.Post("/redemptions/validate", h.ValidateCodeHandler)
		r.Post("/redemptions/redeem", h.RedeemHandler)
		r.Options("/redemptions/*", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/conditions/evaluate", h.EvaluateConditionsHandler)
		r.Post("/gift-cards/provision", h.ProvisionGiftCardHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
		r.Post("/redemptions/{id}/approve", h.ApproveRedemptionHandler)
		r.Post("/redemptions/{id}/reject", h.RejectRedemptionHandler)
	})

	return r
}
