/**
 * @description
 * HTTP router for the lifecycle service. Internal callers authenticate with the
 * shared API key, reviewers with a signed JWT and the payment gateway with an HMAC
 * signature over the callback body.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: routing and CORS.
 * - github.com/prometheus/client_golang: /metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthConfig carries the secrets used by the router's middlewares.
type AuthConfig struct {
	InternalAPIKey        string
	ReviewerJWTSecret     string
	GatewayCallbackSecret string
}

// NewRouter creates a new Chi router and registers the lifecycle routes.
func NewRouter(h *Handlers, auth AuthConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", gatewaySignatureHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(auth.InternalAPIKey))

		r.Post("/demandes", h.SubmitDemandeHandler)
		r.Get("/demandes/{id}", h.GetDemandeHandler)
		r.Get("/demandes/event/{eventId}", h.GetDemandeByEventHandler)

		r.Post("/transactions", h.InitiateTransactionHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Get("/transactions/external/{externalId}", h.GetTransactionByExternalIDHandler)
		r.Post("/transactions/{id}/cancel", h.CancelTransactionHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ReviewerAuthMiddleware(auth.ReviewerJWTSecret))

		r.Post("/demandes/{id}/assign", h.AssignReviewerHandler)
		r.Post("/demandes/{id}/decision", h.ManualDecisionHandler)
	})

	r.With(GatewaySignatureMiddleware(auth.GatewayCallbackSecret)).Post("/callbacks/gateway", h.GatewayCallbackHandler)

	return r
}
