package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	matchManager "matchsync/internal/match_management"
	"matchsync/internal/metrics"
	"matchsync/internal/relay"
)

const requestTimeout = 60 * time.Second

// NewRouter assembles the service's HTTP surface.
func NewRouter(allowedOrigins []string, mm *matchManager.MatchManager, hub *relay.Hub, rdb *redis.Client) *chi.Mux {
	r := chi.NewRouter()

	// cors middleware; a wildcard origin never gets credentials
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: !allowsAnyOrigin(allowedOrigins),
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, metrics.Middleware)

	HealthRoutes(r, rdb)
	MetricsRoutes(r)
	RelayRoutes(r, hub)
	MatchRoutes(r, mm)
	return r
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func HealthRoutes(r chi.Router, rdb *redis.Client) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
}

func MetricsRoutes(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
}

// RelayRoutes mounts the websocket without the request timeout, which would
// cut long-lived sessions.
func RelayRoutes(r chi.Router, hub *relay.Hub) {
	r.Get("/ws", hub.WsHandler)
}

func MatchRoutes(r chi.Router, mm *matchManager.MatchManager) {
	r.Route("/api/v1/matches", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout), mm.Authenticate)

		r.Post("/", mm.CreateHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", mm.GetHandler)
			r.Delete("/", mm.DeleteHandler)
			r.Post("/join", mm.JoinHandler)
			r.Post("/cancel", mm.CancelHandler)
			r.Post("/complete", mm.CompleteHandler)
			r.Post("/external-ref", mm.ExternalRefHandler)
			r.Post("/resolve", mm.ResolveHandler)
		})
	})
}
