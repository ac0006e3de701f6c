package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/shipgate/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/shipments", h.CreateShipment)
		r.Get("/shipments/{id}", h.GetShipment)
		r.Get("/balance", h.GetBalance)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
