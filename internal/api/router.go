/**
 * @description
 * HTTP router setup for the rental service using go-chi/chi.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5, github.com/go-chi/cors: routing and CORS.
 * - github.com/ulule/limiter/v3: per-IP request throttling in front of every route.
 */
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RouterConfig carries the secrets and limits the router enforces.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
	// RateLimit uses the limiter format, e.g. "120-M". Empty disables throttling.
	RateLimit string
}

// NewRouter creates a new Chi router and registers rental routes.
func NewRouter(h *Handler, cfg RouterConfig) (*chi.Mux, error) {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", SignatureHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP rate limit %q: %w", cfg.RateLimit, err)
		}
		r.Use(stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate)).Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Rental service is healthy"))
	})

	r.Post("/webhooks/payments", h.handlePaymentWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts", h.handleOpenAccount)
		r.Get("/accounts/{userID}/audit", h.handleAudit)
		r.Post("/penalties", h.handleChargePenalty)
		r.Post("/sweeps", h.handleRunSweep)
	})

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))
		r.Get("/balance", h.handleGetBalance)
		r.Get("/ledger/entries", h.handleListEntries)
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleListOrders)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Post("/orders/{id}/cancel", h.handleCancelOrder)
		r.Post("/orders/{id}/refresh", h.handleRefreshOrder)
	})

	return r, nil
}
