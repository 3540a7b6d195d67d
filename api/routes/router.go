package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/outbox-relay/api/controllers"
	"github.com/angelmondragon/outbox-relay/api/middleware"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

// Dependencies are what the ops surface reads from. Nil DeadLetters or
// Requeuer leave the matching admin route unmounted.
type Dependencies struct {
	Checks      []controllers.HealthCheck
	DeadLetters controllers.DeadLetterReader
	Requeuer    controllers.DeadLetterRequeuer
	Gatherer    prometheus.Gatherer
}

// NewRouter builds the operational HTTP surface shared by the relay and
// housekeeper binaries.
func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Checks...))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if deps.DeadLetters != nil || deps.Requeuer != nil {
		r.Route("/admin/dead-letters", func(r chi.Router) {
			if deps.DeadLetters != nil {
				r.Get("/", controllers.ListDeadLetters(deps.DeadLetters, logg))
			}
			if deps.Requeuer != nil {
				r.Post("/{record_id}/requeue", controllers.RequeueDeadLetter(deps.Requeuer, logg))
			}
		})
	}

	return r
}
