package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Get("/health", h.Health)

	// Audit trail of raw mutations.
	r.Route("/writes", func(r chi.Router) {
		r.Get("/", h.ListWrites)
		r.Get("/health", h.WritesHealth)
		r.With(AuthMiddleware(h.apiKey)).Post("/", h.RecordWrites)
	})

	// Propagation events and the focus hint.
	r.Get("/events", h.ListEvents)
	r.Get("/events/all", h.ListAllEvents)
	r.Post("/focus", h.SetFocus)

	return r
}
