package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/session-service/internal/middleware"
	"github.com/capitalize-ai/session-service/pkg/logger"
)

// RouterConfig carries the cross-cutting settings for NewRouter.
type RouterConfig struct {
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter mounts every endpoint with the global middleware stack.
func NewRouter(sessions *SessionHandler, health *HealthHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recover(log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints
	r.Get("/", health.Health)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/invoke", sessions.Invoke)
		r.Route("/threads/{threadID}", func(r chi.Router) {
			r.Post("/invoke", sessions.ThreadInvoke)
			r.Get("/messages", sessions.Messages)
		})
	})

	return r
}
