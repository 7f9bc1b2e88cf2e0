package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genproxy/internal/http/handlers"
	"genproxy/internal/infra"
	"genproxy/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	cfg := app.Config
	if cfg == nil {
		cfg = &infra.Config{}
	}
	logger := infra.LoggerOrDiscard(app.Logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(*logger),
		middleware.CORS(cfg.CORSOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	metrics := app.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.AuthJWT(cfg.JWTSecret, cfg.LocalMode),
			middleware.I18N("en", app.CountryLookup),
			middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
		)
		r.Get("/v1/servers", app.ListServers)
		r.Put("/v1/me/token", app.UpdateTokens)
		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.CreateGeneration)
			r.Post("/jobs/{job_id}/status", app.JobStatus)
		})
	})

	return r
}
