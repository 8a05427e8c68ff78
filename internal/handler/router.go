package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/inbox-router/internal/middleware"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

// RouterConfig carries the HTTP-level settings.
type RouterConfig struct {
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Handlers groups every endpoint handler.
type Handlers struct {
	Health        *HealthHandler
	Webhook       *WebhookHandler
	Routing       *RoutingHandler
	Conversations *ConversationHandler
}

// NewRouter wires middleware and routes.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks authenticate by URL only; providers cannot send JWTs.
	r.Route("/webhooks/{provider}", func(r chi.Router) {
		r.Use(middleware.WebhookRateLimit(cfg.WebhookRateLimit, cfg.WebhookRateWindow))
		r.Post("/", h.Webhook.Receive)
		r.Get("/", h.Webhook.Verify)
		r.Post("/{tenantID}", h.Webhook.Receive)
		r.Get("/{tenantID}", h.Webhook.Verify)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/routing", func(r chi.Router) {
			r.Post("/assign", h.Routing.Assign)
			r.Post("/transferir", h.Routing.Transfer)
			r.Post("/bloquear", h.Routing.Block)
			r.Post("/desbloquear", h.Routing.Unblock)
			r.Get("/agents", h.Routing.Agents)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Conversations.Get)
				r.Get("/messages", h.Conversations.Messages)
				r.Post("/messages", h.Conversations.Send)
				r.Post("/read", h.Conversations.MarkRead)
				r.Put("/status", h.Conversations.SetStatus)
				r.Put("/tags", h.Conversations.SetTags)
				r.Post("/notes", h.Conversations.AddNote)
				r.Put("/notes/{noteID}", h.Conversations.EditNote)
				r.Delete("/notes/{noteID}", h.Conversations.DeleteNote)
				r.Get("/transfers", h.Conversations.Transfers)
				r.Get("/events", h.Conversations.Events)
			})
		})
	})

	return r
}
