package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comandero/restaurant-platform/services/realtime-gateway/internal/transport/ws"
)

// RouterDeps wires the HTTP surface: the four websocket endpoints, the
// metrics collector, and the readiness probes.
type RouterDeps struct {
	WS        *ws.Handler
	Collector prometheus.Collector

	// Ready probes run on /readyz; any error makes the service not ready.
	Ready map[string]func(context.Context) error

	// UpgradesPerMinute caps websocket upgrade attempts per client IP.
	UpgradesPerMinute int
}

func NewRouter(d RouterDeps) http.Handler {
	if d.WS == nil {
		panic("rest.NewRouter: nil websocket handler")
	}
	if d.UpgradesPerMinute <= 0 {
		d.UpgradesPerMinute = 60
	}

	registry := prometheus.NewRegistry()
	if d.Collector != nil {
		registry.MustRegister(d.Collector)
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)

	r.Route("/ws", func(r chi.Router) {
		r.Use(httprate.LimitByIP(d.UpgradesPerMinute, time.Minute))
		r.Get("/waiter", d.WS.Waiter)
		r.Get("/kitchen", d.WS.Kitchen)
		r.Get("/admin", d.WS.Admin)
		r.Get("/diner", d.WS.Diner)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		for name, probe := range d.Ready {
			if err := probe(ctx); err != nil {
				http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return r
}
