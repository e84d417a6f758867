package routes

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	cfg := deps.Config

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", cfg.Auth.APIKeyHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, middleware.ProcessingTimeHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Observability.MetricsEnabled {
		r.Use(middleware.Metrics)
	}
	if cfg.Auth.Enabled {
		r.Use(deps.AuthMiddleware.RequireAuth)
	}
	if cfg.RateLimit.Enabled {
		r.Use(deps.RateLimitMiddleware.Limit)
	}

	var db *sql.DB
	if deps.DB != nil {
		db = deps.DB.DB
	}

	health := handlers.NewHealthHandler(db, deps.Inference, cfg.Version, deps.Logger)
	inference := handlers.NewInferenceHandler(deps.Inference, deps.Logger)
	models := handlers.NewModelsHandler(deps.Inference, deps.Logger)

	r.Get("/", health.HandleRoot)

	// Health check endpoints
	r.Route("/health", func(r chi.Router) {
		r.Get("/", health.HandleHealth)
		r.Get("/ready", health.HandleReadiness)
		r.Get("/providers", health.HandleProviderHealth)
	})

	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", inference.HandleChatCompletion)
		r.Post("/embeddings", inference.HandleEmbeddings)

		r.Get("/models", models.HandleListModels)
		// Model ids such as "llama3.2:1b" or "org/model" are matched whole
		r.Get("/models/*", models.HandleGetModel)

		r.Route("/model-mappings", func(r chi.Router) {
			r.Get("/", models.HandleListMappings)
			r.Post("/", models.HandleRegisterMapping)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, utils.CodeInvalidRequest, "Method not allowed", nil)
	})

	return r
}
