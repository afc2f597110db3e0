/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the member app

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint
  /api/groups/*         Group rules, pot, checks
  /api/members/*        Members, logs, sessions, recovery and rest days
  /api/penalties/*      Respond and adjudicate
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string

	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroups)
			r.Get("/{id}", h.GetGroup)
			r.Put("/{id}", h.PutGroup)
			r.Get("/{id}/members", h.ListGroupMembers)
			r.Get("/{id}/penalties", h.ListGroupPenalties)
			r.Get("/{id}/pot", h.GetPot)
			r.Post("/{id}/pot/adjustments", h.AdjustPot)
			r.Get("/{id}/checks", h.ListChecks)
			r.Post("/{id}/checks", h.RunCheck)
		})

		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.CreateMember)
			r.Get("/{id}", h.GetMember)
			r.Patch("/{id}", h.UpdateMember)
			r.Post("/{id}/session", h.RunSession)
			r.Get("/{id}/assessment", h.GetAssessment)
			r.Get("/{id}/logs", h.ListLogs)
			r.Post("/{id}/logs", h.LogActivity)
			r.Delete("/{id}/logs/{logID}", h.DeleteLog)
			r.Get("/{id}/penalties", h.ListMemberPenalties)
			r.Get("/{id}/recovery-day", h.GetRecoveryWeek)
			r.Post("/{id}/recovery-day", h.ActivateRecoveryDay)
			r.Delete("/{id}/recovery-day", h.CancelRecoveryDay)
			r.Put("/{id}/recovery-day/progress", h.RecordRecoveryProgress)
			r.Get("/{id}/flex-rest-days", h.ListFlexRestDays)
			r.Post("/{id}/flex-rest-days/use", h.UseFlexRestDay)
		})

		r.Route("/penalties", func(r chi.Router) {
			r.Get("/{id}", h.GetPenalty)
			r.Post("/{id}/respond", h.RespondPenalty)
			r.Post("/{id}/adjudicate", h.AdjudicatePenalty)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
