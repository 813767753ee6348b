/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Latency histogram labelled by route pattern
  5. CORS:       Cross-origin requests for the shop dashboard

ROUTE GROUPS:
  /health                  Liveness, pings the store
  /metrics                 Prometheus scrape (when enabled)
  /api/professionals/*     Directory, balance, settlement, statements
  /api/entries/*           Entry writes
  /api/payouts/*           Undo and verification
  /api/pot/*               Subscription pot distribution
  /api/metrics/*           Subscription metrics
  /api/scenarios/*         Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/commission-engine/telemetry"
)

// RouterOptions configures the outer surface of the router.
type RouterOptions struct {
	CORSOrigins []string
	// Metrics observes request latency. Nil disables the middleware.
	Metrics *telemetry.Metrics
	// Gatherer backs /metrics. Nil leaves /metrics unmounted.
	Gatherer prometheus.Gatherer
	// Ping backs /health. Nil always reports ok.
	Ping func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(opts.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ping != nil {
			if err := opts.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Professional routes
		r.Route("/professionals/{id}", func(r chi.Router) {
			r.Get("/", h.GetProfessional)
			r.Put("/", h.SaveProfessional)
			r.Delete("/", h.DeleteProfessional)
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.ListEntries)
			r.Post("/settle", h.Settle)
			r.Get("/payouts", h.ListPayouts)
			r.Get("/audit", h.Audit)
			r.Get("/statement.xlsx", h.Statement)
		})

		// Entry routes
		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.RecordEntry)
			r.Put("/{id}/rate", h.AdjustRate)
			r.Post("/{id}/mark-paid", h.MarkPaid)
		})

		// Payout routes
		r.Route("/payouts/{id}", func(r chi.Router) {
			r.Post("/undo", h.UndoPayout)
			r.Get("/verify", h.VerifyPayout)
		})

		r.Post("/pot/distribute", h.DistributePot)
		r.Get("/metrics/subscriptions", h.SubscriptionMetrics)

		// Scenario routes
		if h.demo != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
