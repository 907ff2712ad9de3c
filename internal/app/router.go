package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pirouette-hq/pirouette/internal/billing"
	"github.com/pirouette-hq/pirouette/internal/observability"
	"github.com/pirouette-hq/pirouette/internal/promo"
	"github.com/pirouette-hq/pirouette/internal/tuition"
	"github.com/pirouette-hq/pirouette/jobs"
)

// RouterParams carries everything NewRouter needs to assemble the HTTP surface.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	Billing *billing.Handler
	Promos  *promo.Handler
	Tuition *tuition.Handler
	Jobs    *jobs.Handler
}

// NewRouter assembles the full route tree. The admin surface is staff-only;
// the parent surface is scoped to the actor's own family by the services.
func NewRouter(p RouterParams) chi.Router {
	r := chi.NewRouter()
	r.Use(MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config, Metrics: p.Metrics})...)
	r.Use(RequestLogger(p.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if p.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	}
	if p.Jobs != nil {
		r.Route("/jobs", p.Jobs.MountRoutes)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(ActorMiddleware(p.Logger))

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(RequireStaff)
			admin.Route("/invoices", p.Billing.MountRoutes)
			admin.Route("/promo-codes", p.Promos.MountRoutes)
			admin.Route("/tuition-plans", p.Tuition.MountRoutes)
		})

		api.Route("/parent", func(parent chi.Router) {
			parent.Route("/invoices", p.Billing.MountParentRoutes)
			parent.Route("/tuition-plans", p.Tuition.MountParentRoutes)
		})
	})

	return r
}
