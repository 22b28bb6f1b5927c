// Package app wires the HTTP router, background housekeeping, and startup
// recovery.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelforge/reelforge/internal/adapter/httpserver"
	"github.com/reelforge/reelforge/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Caller-facing API.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.Authenticate())

		// Submission endpoints carry a per-IP rate limit; polling and
		// listing do not, the dashboard refreshes aggressively.
		ar.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/v1/videos", srv.SubmitSingle)
			wr.Post("/v1/videos/bulk", srv.SubmitBulk)
			wr.Post("/v1/videos/image", srv.SubmitImageToVideo)
			wr.Post("/v1/videos/{id}/regenerate", srv.Regenerate)
			wr.Post("/v1/images", srv.GenerateImage)
		})
		ar.Get("/v1/videos", srv.ListVideos)
		ar.Get("/v1/videos/{id}", srv.GetVideo)
		ar.Get("/v1/videos/{id}/status", srv.CheckStatus)

		// Admin surface.
		ar.Group(func(adm chi.Router) {
			adm.Use(httpserver.AdminOnly(srv.Users))
			adm.Get("/v1/admin/tokens", srv.ListTokens)
			adm.Post("/v1/admin/tokens", srv.AddToken)
			adm.Put("/v1/admin/tokens", srv.ReplaceTokens)
			adm.Delete("/v1/admin/tokens/{id}", srv.DeleteToken)
			adm.Patch("/v1/admin/tokens/{id}", srv.SetTokenActive)
			adm.Get("/v1/admin/settings", srv.GetSettings)
			adm.Put("/v1/admin/settings", srv.UpdateSettings)
			adm.Get("/v1/admin/stats", srv.QueueStats)
		})
	})

	// Health and metrics.
	r.Get("/healthz", srv.Healthz)
	r.Get("/readyz", srv.Readyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
