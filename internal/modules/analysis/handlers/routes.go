package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the analysis routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/analysis", func(r chi.Router) {
		r.Post("/", h.HandleAnalyze)
		r.Post("/evaluate", h.HandleEvaluate)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.HandleListRuns)
			r.Get("/{id}", h.HandleGetRun)
			r.Delete("/{id}", h.HandleDeleteRun)
			r.Get("/{id}/chart.png", h.HandleChart)
		})
	})
}
