package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planpilot-ai/planpilot/internal/database"
	mw "github.com/planpilot-ai/planpilot/internal/middleware"
	inats "github.com/planpilot-ai/planpilot/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Query handlers
	Query http.HandlerFunc

	// Admin handlers
	TriggerSync  http.HandlerFunc
	SyncStatus   http.HandlerFunc
	IndexStatus  http.HandlerFunc
	RebuildIndex http.HandlerFunc

	// RedisHealthy reports whether the cache layer responds.
	RedisHealthy func() bool
	// IndexReady reports whether the serving index finished warming.
	IndexReady func() bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	QueryRateLimiter   func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks DB, Redis, NATS, and the serving index
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
			"index":    "ready",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if h.RedisHealthy != nil && !h.RedisHealthy() {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		if h.IndexReady != nil && !h.IndexReady() {
			// Queries degrade gracefully while the index warms, so
			// this is reported without failing the probe.
			health["index"] = "warming"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.QueryRateLimiter != nil {
				r.Use(cfg.QueryRateLimiter)
			}
			r.Post("/query", h.Query)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/sync", func(r chi.Router) {
				r.Post("/", h.TriggerSync)
				r.Get("/{jobID}", h.SyncStatus)
			})
			r.Route("/index", func(r chi.Router) {
				r.Get("/status", h.IndexStatus)
				r.Post("/rebuild", h.RebuildIndex)
			})
		})
	})

	return r
}
