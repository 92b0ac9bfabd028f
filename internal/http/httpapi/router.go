package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ghostmannequin/internal/http/handlers"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/middleware"
)

// NewRouter mounts the API. With local file storage the stored images are
// served under the path of STORAGE_BASE_URL.
func NewRouter(app *handlers.App, cfg *infra.Config) http.Handler {
	logger := zerolog.Nop()
	if app.Logger != nil {
		logger = *app.Logger
	}
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(cfg.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/health", app.DependencyHealth)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/ghost", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(
				middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
				middleware.BodyLimit(cfg.MaxRequestBytes),
			)
			r.Post("/", app.Ghost)
			r.Post("/jobs", app.EnqueueGhostJob)
		})
		r.Get("/jobs/{id}", app.GhostJob)
		r.Get("/jobs/{id}/bundle", app.GhostBundle)
	})

	if cfg.StorageBackend == "fs" {
		prefix := staticPrefix(cfg.StorageBaseURL)
		r.Handle(prefix+"*", http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.StoragePath))))
	}

	return r
}

func staticPrefix(baseURL string) string {
	path := "/static"
	if u, err := url.Parse(baseURL); err == nil && strings.Trim(u.Path, "/") != "" {
		path = "/" + strings.Trim(u.Path, "/")
	}
	return path + "/"
}
