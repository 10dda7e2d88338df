package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/meditriage/internal/handler/clinician"
	"github.com/zhouzirui/meditriage/internal/handler/realtime"
	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/service/relay"
	"github.com/zhouzirui/meditriage/pkg/utils"
)

// NewRouter wires the relay's HTTP and websocket routes. gatherer may be nil
// to skip /metrics.
func NewRouter(hub *relay.Hub, opts realtime.Options, gatherer prometheus.Gatherer, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Patient realtime channel
	realtime.NewWebSocketHandler(hub, opts, log).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		clinician.New(hub).RegisterRoutes(api)
	})

	return r
}
