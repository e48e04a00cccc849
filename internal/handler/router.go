package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"digital-certificate-service/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *CertificateHandler, resolver middleware.PermissionResolver) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1/certificates", func(r chi.Router) {
		r.Use(middleware.Actor(resolver))

		r.Get("/", h.List)
		r.Post("/", h.Upload)
		r.Get("/policy", h.GetPolicy)
		r.Get("/mine", h.ListMine)
		r.Post("/{id}/activate", h.Activate)
		r.Post("/{id}/deactivate", h.Deactivate)
		r.Post("/{id}/test", h.Test)
		r.Get("/{id}/logs", h.ListLogs)
	})

	return r
}
