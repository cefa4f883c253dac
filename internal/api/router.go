package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/drift/internal/service"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *service.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/models", h.ListModels)
	r.Route("/models/{model}/records", func(r chi.Router) {
		r.Get("/", h.QueryRecords)
		r.Delete("/", h.DeleteWhere)
		r.Get("/{id}", h.GetRecord)
		r.Put("/{id}", h.SaveRecord)
		r.Delete("/{id}", h.DeleteRecord)
	})

	r.Get("/outbox", h.Outbox)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
