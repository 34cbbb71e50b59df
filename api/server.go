/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the desktop client

SECURITY NOTE:
  No authentication middleware; the engine binds to localhost for the
  desktop client it serves.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080", "app://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Get("/status", h.Status)

	r.Route("/run", func(r chi.Router) {
		r.Post("/daily", h.RunDaily)
		r.Post("/super", h.RunSuper)
	})

	r.Route("/download", func(r chi.Router) {
		r.Get("/last", h.DownloadLast)
		r.Get("/{token}", h.DownloadByToken)
	})

	r.Route("/exceptions", func(r chi.Router) {
		r.Get("/", h.ListExceptions)
		r.Delete("/", h.DeleteExceptions)
		r.Get("/stats", h.ExceptionStats)
		r.Get("/{id}", h.GetException)
		r.Patch("/{id}", h.UpdateException)
		r.Delete("/{id}", h.DeleteException)
	})

	r.Patch("/settings", h.UpdateSettings)

	return r
}
