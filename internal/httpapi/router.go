package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// NewRouter mounts the three report-ingress endpoints plus a served
// swagger UI (spec §4.8, §6). CORS origin-cache refresh against
// external_system.origin_urls is out of scope; the permissive default here
// is the ambient stand-in for it.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "x-system-name", "x-api-key"},
		MaxAge:         300,
	}))

	r.Route("/api/reports", func(r chi.Router) {
		r.Post("/device-info", h.HandleDeviceInfo)
		r.Post("/device-status", h.HandleDeviceStatus)
		r.Post("/disaster-result", h.HandleDisasterResult)
	})

	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}
