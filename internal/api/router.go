package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sofvo/sofvo/internal/api/middleware"
	"github.com/sofvo/sofvo/internal/config"
	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/handlers"
	"github.com/sofvo/sofvo/internal/realtime"
	"github.com/sofvo/sofvo/internal/store"
)

const maxBodyBytes = 64 * 1024

// NewRouter creates and configures the HTTP router. redisStore may be nil.
func NewRouter(logger zerolog.Logger, ds store.DataStore, redisStore *store.RedisStore, broker *realtime.Broker, tokens *crypto.TokenIssuer, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	var redisClient *redis.Client
	if redisStore != nil {
		redisClient = redisStore.Client()
	}
	limiter := middleware.NewRateLimiter(redisClient, logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	})
	r.Use(limiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create handler and auth middleware
	h := handlers.NewHandler(ds, redisStore, broker, tokens, logger)
	if cfg.StreamHeartbeat > 0 {
		h.StreamHeartbeat = cfg.StreamHeartbeat
	}
	auth := middleware.NewAuthMiddleware(tokens, ds)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Get("/profiles/{id}", h.GetProfile)

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/follows/{id}", h.Follow)
		r.Delete("/follows/{id}", h.Unfollow)
		r.Post("/blocks/{id}", h.Block)
		r.Delete("/blocks/{id}", h.Unblock)

		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Get("/conversations/{id}/messages", h.GetMessages)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Patch("/conversations/{id}/messages/{messageID}", h.EditMessage)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/read", h.MarkNotificationsRead)

		r.Get("/stream", h.Stream)
	})

	return r
}
