// Package httpapi is the HTTP front-end: routes, request parsing, CORS.
// It is a thin layer over the gateway facade — all of §1's hard core
// lives beneath it.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"whatsapp-gateway/internal/gateway"
)

// NewRouter builds the chi router exposing the operations in §6.
func NewRouter(manager *gateway.Manager) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := NewHandlers(manager)

	r.Get("/health", h.Health)
	r.Get("/metrics/batch", h.MetricsBatch)
	r.Get("/metrics/cache", h.MetricsCache)

	r.Post("/start", h.StartSession)
	r.Post("/delete-session", h.DeleteSessionBody)
	r.Delete("/session/{sessionId}", h.DeleteSessionPath)
	r.Get("/session/{sessionId}", h.GetSession)
	r.Get("/sessions", h.ListSessions)

	r.Post("/send-message", h.SendMessage)
	r.Post("/send", h.SendLegacy)

	r.Post("/cleanup-inactive-sessions", h.CleanupInactive)
	r.Post("/cleanup-pending-sessions", h.CleanupPending)

	return r
}
