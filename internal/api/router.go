/**
 * @description
 * Router for the settlement API. Public routes live under /v1 behind Clerk
 * authentication; /internal routes are guarded by the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: routing and CORS.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics exposition.
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

// RouterOptions configures authentication and rate limiting.
type RouterOptions struct {
	JWKSURL                   string
	InternalAPIKey            string
	Limiter                   RateLimiter
	RequestRateLimitPerMinute int
	DisputeRateLimitPerMinute int
	// Authenticator replaces ClerkAuthMiddleware when set.
	Authenticator func(http.Handler) http.Handler
}

// NewRouter wires every settlement endpoint.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(Metrics())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Post("/payments/release-expired", h.ReleaseExpiredHandler)
	})

	auth := opts.Authenticator
	if auth == nil {
		auth = ClerkAuthMiddleware(opts.JWKSURL)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Post("/subscriptions", h.CreateSubscriptionHandler)
		r.Get("/subscriptions/{id}", h.GetSubscriptionHandler)
		r.Post("/subscriptions/{id}/occupy-seat", h.OccupySeatHandler)
		r.Post("/subscriptions/{id}/pause", h.PauseSubscriptionHandler)
		r.Post("/subscriptions/{id}/reactivate", h.ReactivateSubscriptionHandler)
		r.Post("/subscriptions/{id}/cancel", h.CancelSubscriptionHandler)
		r.Get("/subscriptions/{id}/requests", h.ListSubscriptionRequestsHandler)
		r.Delete("/seats/{id}", h.ReleaseSeatHandler)

		r.Post("/payments", h.ProcessPaymentHandler)
		r.Get("/payments", h.ListPaymentsHandler)
		r.Get("/payments/{id}", h.GetPaymentHandler)
		r.Post("/payments/{id}/release", h.ReleasePaymentHandler)
		r.Post("/payments/refund", h.RefundPaymentHandler)

		r.With(RateLimit(opts.Limiter, "dispute", opts.DisputeRateLimitPerMinute)).Post("/disputes", h.OpenDisputeHandler)
		r.Get("/disputes/{id}", h.GetDisputeHandler)
		r.Post("/disputes/{id}/assign", h.AssignDisputeHandler)
		r.Post("/disputes/{id}/resolve", h.ResolveDisputeHandler)
		r.Post("/disputes/{id}/close", h.CloseDisputeHandler)

		r.Group(func(r chi.Router) {
			r.Use(RateLimit(opts.Limiter, "join_request", opts.RequestRateLimitPerMinute))
			r.Post("/requests/group", h.RequestGroupJoinHandler)
			r.Post("/requests/subscription", h.RequestSeatJoinHandler)
		})
		r.Post("/requests/{id}/approve", h.ApproveRequestHandler)
		r.Post("/requests/{id}/reject", h.RejectRequestHandler)
		r.Post("/requests/{id}/cancel", h.CancelRequestHandler)
		r.Get("/groups/{id}/requests", h.ListGroupRequestsHandler)
	})

	return r
}
