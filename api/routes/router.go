package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/ap2-agents/api/controllers"
	"github.com/angelmondragon/ap2-agents/api/middleware"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
)

// Agent is everything one role process exposes over HTTP.
type Agent interface {
	controllers.TaskService
	controllers.OperationSource
}

// NewRouter mounts the A2A surface of a single role.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	agent Agent,
	ready controllers.Readiness,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(nil),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, ready))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/.well-known/agent-card.json", controllers.GetAgentCard(cfg, agent))

	r.Route("/a2a/v1", func(r chi.Router) {
		r.Use(middleware.Extensions())
		r.Post("/message:send", controllers.MessageSend(agent, logg))
		r.Get("/tasks/{taskId}", controllers.GetTask(agent, logg))
		r.Post("/tasks/{taskId}/cancel", controllers.CancelTask(agent, logg))
	})

	return r
}
