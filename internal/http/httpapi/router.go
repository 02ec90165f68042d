package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"jobengine/internal/http/handlers"
	"jobengine/internal/hub"
	"jobengine/internal/middleware"
)

// Options configures the router beyond its handler dependencies.
type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	RateLimit      int
	RatePer        time.Duration
}

// NewRouter wires the HTTP API and the realtime hub endpoint.
func NewRouter(app *handlers.App, jobHub *hub.Hub, logger zerolog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.RateLimit > 0 {
		r.Use(middleware.RateLimit(opts.RateLimit, opts.RatePer))
	}

	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.CreateJob)
			r.Get("/", app.SearchJobs)
			r.Get("/{job_id}", app.GetJob)
			r.Post("/{job_id}/cancel", app.CancelJob)
			r.Post("/{job_id}/retry", app.RetryJob)
			r.Get("/{job_id}/archive", app.ArchiveJob)
		})

		r.Get("/hubs/jobs", jobHub.ServeWS)
	})

	return r
}
