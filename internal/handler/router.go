package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/charityaid-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса благотворительной помощи.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/ping", h.Ping)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/profile", h.GetProfile)
		r.Put("/profile", h.UpsertProfile)

		r.Get("/bank-details", h.ListBankDetails)
		r.Post("/bank-details", h.CreateBankDetails)
		r.Post("/bank-details/verify", h.VerifyBankAccount)
		r.Delete("/bank-details/{id}", h.DeleteBankDetails)

		r.Get("/applications", h.GetApplications)
		r.Post("/applications", h.CreateApplication)
		r.Get("/applications/{id}", h.GetApplication)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Get("/applications", h.AdminListApplications)
			r.Patch("/applications/{id}", h.AdminReviewApplication)
			r.Get("/stats", h.AdminStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
