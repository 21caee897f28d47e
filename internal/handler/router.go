package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/alex-user-go/globefare/internal/middleware"
	"github.com/alex-user-go/globefare/internal/obs"
)

// Routes builds the chi router with the global middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logging(h.deps.Logger))
	r.Use(middleware.Recover(h.deps.Logger))
	r.Use(middleware.Metrics(h.deps.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var breaker func() string
	if h.deps.Upstream != nil {
		breaker = h.deps.Upstream.BreakerState
	}
	health := obs.HealthHandler(h.opts.Started, breaker, h.deps.Logger)
	r.Get("/", h.Root)
	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Handle("/metrics", h.deps.Metrics.MetricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.APIDocs)

		r.Get("/flights", h.Flights)
		r.Post("/flights", h.FlightsAction)

		r.Group(func(r chi.Router) {
			r.Use(h.refreshLimit())
			r.Get("/refresh", h.Refresh)
			r.Post("/refresh", h.Refresh)
		})

		r.Get("/cache/status", h.CacheStatus)
		r.Delete("/cache", h.ClearCache)
		r.Get("/memory", h.Memory)
		r.Get("/destinations", h.Destinations)
	})

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	return r
}

// refreshLimit limits refreshes per client IP. A non-positive limit disables it.
func (h *Handler) refreshLimit() func(http.Handler) http.Handler {
	if h.opts.RefreshRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		h.opts.RefreshRateLimit,
		h.opts.RateWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return ExtractIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.deps.Metrics.IncRateLimited("/api/refresh")
			writeError(w, http.StatusTooManyRequests, "Too many requests", "refresh rate limit exceeded, try again later")
		}),
	)
}
