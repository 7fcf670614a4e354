package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-engine/internal/middleware"
	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Socket        *SocketHandler
	Assistant     *AssistantHandler
}

// RouterConfig holds the cross-cutting settings applied by NewRouter.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP routes of the support API.
func NewRouter(h Handlers, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/support", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		// Long-lived connections are exempt from request rate limiting.
		r.Get("/ws", h.Socket.Serve)
		r.With(middleware.ConversationID).Get("/conversations/{id}/stream", h.Stream.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Use(middleware.LimitBody)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", h.Conversations.Create)
				r.Get("/", h.Conversations.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(middleware.ConversationID)
					r.Get("/", h.Conversations.Get)
					r.Post("/messages", h.Messages.Send)
					r.Post("/read", h.Conversations.MarkRead)
				})
			})

			r.Post("/assistant", h.Assistant.Ask)

			r.Route("/admin/conversations", func(r chi.Router) {
				r.Use(middleware.RequireStaff)
				r.Get("/", h.Conversations.ListAll)

				r.Route("/{id}", func(r chi.Router) {
					r.Use(middleware.ConversationID)
					r.Patch("/", h.Conversations.Update)
					r.Get("/activity", h.Conversations.Activity)
				})
			})
		})
	})

	return r
}
