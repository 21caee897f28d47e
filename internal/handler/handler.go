package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/logging"
	"github.com/alex-user-go/globefare/internal/memory"
	"github.com/alex-user-go/globefare/internal/middleware"
	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/providers"
	"github.com/alex-user-go/globefare/internal/search"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/ratelimit"
	"github.com/alex-user-go/globefare/internal/search/types"
)

const (
	serviceName = "Globe Fare Backend API"
	apiName     = "Globe Fare API"
	version     = "1.0.0"

	defaultMemoryLimit = 50
	maxMemoryLimit     = 500

	// statusClientClosedRequest is logged when the client goes away mid-request.
	statusClientClosedRequest = 499
)

// FlightService looks up and refreshes destination flights.
type FlightService interface {
	Flights(ctx context.Context, dest, date string) (*search.Response, error)
	Refresh(ctx context.Context, dest, date string) (int, error)
}

// CacheAdmin inspects and clears the aggregate cache.
type CacheAdmin interface {
	Status() ([]cache.FileStatus, error)
	Clear() (int, error)
	Invalidate(dest, date string) error
	Policy() cache.Policy
}

// MemoryReader reads the flight memory log.
type MemoryReader interface {
	Recent(ctx context.Context, limit int) ([]memory.Record, error)
	Len() int
}

// UpstreamStatus reports the flight API circuit breaker state.
type UpstreamStatus interface {
	BreakerState() string
}

// DestinationLister lists destinations that have pivot airports.
type DestinationLister interface {
	Destinations() ([]string, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Flights      FlightService
	Cache        CacheAdmin
	Memory       MemoryReader
	Destinations DestinationLister
	// Upstream is optional; when set /health reports the breaker state.
	Upstream     UpstreamStatus
	Limiter      *ratelimit.Limiter
	Metrics      *obs.Metrics
	Logger       zerolog.Logger
}

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins      []string
	RefreshRateLimit int
	RateWindow       time.Duration
	CleanupMaxAge    time.Duration
	Started          time.Time
}

// Handler handles HTTP requests.
type Handler struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a new Handler.
func New(deps Deps, opts Options) *Handler {
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Handler{deps: deps, opts: opts, now: time.Now}
}

// FlightsResponse is the body of a successful flight lookup.
type FlightsResponse struct {
	Success bool           `json:"success"`
	Flights []types.Flight `json:"flights"`
	Source  types.Source   `json:"source"`
	Count   int            `json:"count"`
	Message string         `json:"message,omitempty"`
	Meta    FlightsMeta    `json:"meta"`
}

// FlightsMeta adds request details to the lookup metadata.
type FlightsMeta struct {
	search.Meta
	RequestID  string `json:"request_id"`
	DurationMs int64  `json:"duration_ms"`
}

// Flights handles GET /api/flights.
func (h *Handler) Flights(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.RequestID(r.Context())
	log := logging.Ctx(r.Context(), h.deps.Logger)

	// Check rate limit
	ip := ExtractIP(r)
	if !h.deps.Limiter.Allow(ip) {
		log.Warn().Str("ip", ip).Msg("rate limit exceeded")
		h.deps.Metrics.IncRateLimited("/api/flights")
		w.Header().Set("Retry-After", strconv.Itoa(int(h.deps.Limiter.RetryAfter().Seconds()+0.5)))
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, try again later")
		return
	}

	params, err := ParseFlightParams(r, h.now())
	if errors.Is(err, errMissingParams) {
		q := r.URL.Query()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Missing required parameters: to and date",
			"flights": []types.Flight{},
			"meta": map[string]any{
				"received_params": map[string]string{"to": q.Get("to"), "date": q.Get("date")},
				"required_params": []string{"to", "date"},
			},
		}, log)
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("invalid request parameters")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Invalid parameters",
			"message": err.Error(),
			"flights": []types.Flight{},
		}, log)
		return
	}

	resp, err := h.deps.Flights.Flights(r.Context(), params.To, params.Date)
	if err != nil {
		status, kind := classify(err)
		if status == statusClientClosedRequest {
			log.Debug().Err(err).Str("destination", params.To).Msg("client went away during flight lookup")
			w.WriteHeader(status)
			return
		}
		log.Error().Err(err).Str("destination", params.To).Str("date", params.Date).Str("error_type", kind).Msg("flight lookup failed")
		writeJSON(w, status, map[string]any{
			"success": false,
			"error":   errorTitle(status),
			"message": err.Error(),
			"flights": []types.Flight{},
			"meta": map[string]string{
				"destination": params.To,
				"date":        params.Date,
				"error_type":  kind,
				"request_id":  requestID,
			},
		}, log)
		return
	}

	log.Info().
		Str("destination", params.To).
		Str("date", params.Date).
		Str("source", string(resp.Source)).
		Int("count", len(resp.Flights)).
		Msg("flights served")

	writeJSON(w, http.StatusOK, FlightsResponse{
		Success: true,
		Flights: resp.Flights,
		Source:  resp.Source,
		Count:   len(resp.Flights),
		Message: resp.Message,
		Meta: FlightsMeta{
			Meta:       resp.Meta,
			RequestID:  requestID,
			DurationMs: time.Since(start).Milliseconds(),
		},
	}, log)
}

// FlightsAction handles POST /api/flights?action=clear-cache|cache-status.
func (h *Handler) FlightsAction(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "clear-cache":
		h.ClearCache(w, r)
	case "cache-status":
		h.CacheStatus(w, r)
	default:
		writeError(w, http.StatusBadRequest, "Invalid action", "action must be clear-cache or cache-status")
	}
}

// Refresh handles GET|POST /api/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.deps.Logger)

	params, err := ParseFlightParams(r, h.now())
	if errors.Is(err, errMissingParams) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Missing required query parameters: 'to' and/or 'date'.",
		}, log)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": err.Error(),
		}, log)
		return
	}

	count, err := h.deps.Flights.Refresh(r.Context(), params.To, params.Date)
	switch {
	case errors.Is(err, pivots.ErrNoPivots):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "No pivot file found for destination: " + params.To,
		}, log)
		return
	case errors.Is(err, search.ErrNoFlights):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "No flights found for any pivot location.",
		}, log)
		return
	case err != nil:
		status, kind := classify(err)
		if status == statusClientClosedRequest {
			log.Debug().Err(err).Str("destination", params.To).Msg("client went away during refresh")
			w.WriteHeader(status)
			return
		}
		log.Error().Err(err).Str("destination", params.To).Str("date", params.Date).Str("error_type", kind).Msg("refresh failed")
		writeJSON(w, status, map[string]any{
			"success": false,
			"message": "Internal server error during refresh",
			"error":   err.Error(),
		}, log)
		return
	}

	log.Info().Str("destination", params.To).Str("date", params.Date).Int("count", count).Msg("destination refreshed")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Flight data refreshed and cached.",
		"count":   count,
	}, log)
}

// CacheStatus handles GET /api/cache/status.
func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.deps.Logger)

	files, err := h.deps.Cache.Status()
	if err != nil {
		log.Error().Err(err).Msg("cache status failed")
		writeError(w, http.StatusInternalServerError, "Failed to get cache status", err.Error())
		return
	}
	policy := h.deps.Cache.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"cache_files": files,
		"total_files": len(files),
		"cache_settings": map[string]any{
			"protected_ttl_hours":  policy.ProtectedTTL.Hours(),
			"short_ttl_hours":      policy.ShortTTL.Hours(),
			"route_ttl_hours":      policy.RouteTTL.Hours(),
			"no_data_ttl_hours":    policy.NoDataTTL.Hours(),
			"protection_threshold": policy.ProtectionThreshold,
			"delete_hours":         h.opts.CleanupMaxAge.Hours(),
		},
	}, log)
}

// ClearCache handles DELETE /api/cache. With to and date it removes only that
// aggregate.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.deps.Logger)

	q := r.URL.Query()
	dest := strings.ToUpper(strings.TrimSpace(q.Get("to")))
	date := strings.TrimSpace(q.Get("date"))
	if dest != "" || date != "" {
		h.invalidate(w, log, dest, date)
		return
	}

	n, err := h.deps.Cache.Clear()
	if err != nil {
		log.Error().Err(err).Int("deleted", n).Msg("cache clear failed")
		writeError(w, http.StatusInternalServerError, "Failed to clear cache", err.Error())
		return
	}
	log.Info().Int("deleted", n).Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Cleared %d cache files", n),
	}, log)
}

func (h *Handler) invalidate(w http.ResponseWriter, log *zerolog.Logger, dest, date string) {
	if dest == "" || date == "" {
		writeError(w, http.StatusBadRequest, "Invalid parameters", "to and date must be given together")
		return
	}
	err := h.deps.Cache.Invalidate(dest, date)
	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "Invalid parameters", err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("destination", dest).Str("date", date).Msg("cache invalidation failed")
		writeError(w, http.StatusInternalServerError, "Failed to clear cache", err.Error())
		return
	}
	log.Info().Str("destination", dest).Str("date", date).Msg("cache entry cleared")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Cleared cache for %s on %s", dest, date),
	}, log)
}

// Memory handles GET /api/memory?limit=.
func (h *Handler) Memory(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.deps.Logger)

	limit := defaultMemoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid parameters", "limit must be a positive integer")
			return
		}
		limit = min(n, maxMemoryLimit)
	}

	records, err := h.deps.Memory.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("memory read failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"records": records,
		"count":   len(records),
		"total":   h.deps.Memory.Len(),
	}, log)
}

// Destinations handles GET /api/destinations.
func (h *Handler) Destinations(w http.ResponseWriter, r *http.Request) {
	log := logging.Ctx(r.Context(), h.deps.Logger)

	dests, err := h.deps.Destinations.Destinations()
	if err != nil {
		log.Error().Err(err).Msg("listing destinations failed")
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	if dests == nil {
		dests = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"destinations": dests,
		"count":        len(dests),
	}, log)
}

// Root handles GET /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": version,
		"status":  "running",
		"endpoints": map[string]string{
			"flights": "/api/flights?to=DPS&date=YYYY-MM-DD",
			"refresh": "/api/refresh?to=DPS&date=YYYY-MM-DD",
			"health":  "/health",
		},
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}, logging.Ctx(r.Context(), h.deps.Logger))
}

// APIDocs handles GET /api.
func (h *Handler) APIDocs(w http.ResponseWriter, r *http.Request) {
	example := h.now().UTC().AddDate(0, 0, 30).Format(dateLayout)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    apiName,
		"version": version,
		"endpoints": map[string]string{
			"GET /":                 "Service information",
			"GET /health":           "Health check",
			"GET /api":              "API documentation",
			"GET /api/flights":      "Get flights for destination and date",
			"POST /api/flights":     "Cache actions: ?action=clear-cache or ?action=cache-status",
			"GET|POST /api/refresh": "Refresh flight data for destination",
			"GET /api/cache/status": "Aggregate cache files and settings",
			"DELETE /api/cache":     "Remove every aggregate cache file, or one with ?to=&date=",
			"GET /api/memory":       "Recently observed flights",
			"GET /api/destinations": "Destinations with pivot airports",
			"GET /metrics":          "Prometheus metrics",
		},
		"examples": map[string]string{
			"flights": "/api/flights?to=DPS&date=" + example,
			"refresh": "/api/refresh?to=DPS&date=" + example,
		},
	}, logging.Ctx(r.Context(), h.deps.Logger))
}

// NotFound answers unknown routes.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"success":          false,
		"error":            "Route not found",
		"message":          fmt.Sprintf("Cannot %s %s", r.Method, r.URL.RequestURI()),
		"available_routes": availableRoutes,
	}, logging.Ctx(r.Context(), h.deps.Logger))
}

// MethodNotAllowed answers known routes called with the wrong method.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success":          false,
		"error":            "Method not allowed",
		"message":          fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path),
		"available_routes": availableRoutes,
	}, logging.Ctx(r.Context(), h.deps.Logger))
}

var availableRoutes = []string{
	"GET /",
	"GET /health",
	"GET /api",
	"GET /api/flights",
	"POST /api/flights",
	"GET|POST /api/refresh",
	"GET /api/cache/status",
	"DELETE /api/cache",
	"GET /api/memory",
	"GET /api/destinations",
	"GET /metrics",
}

// classify maps a lookup error to a status code and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, search.ErrAllPivotsFailed),
		errors.Is(err, providers.ErrProviderUnavailable),
		errors.Is(err, providers.ErrCircuitOpen):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_key"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorTitle(status int) string {
	if status == http.StatusInternalServerError {
		return "Internal server error"
	}
	return http.StatusText(status)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any, log *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Can't change status after WriteHeader, just log
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, errText, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   errText,
		"message": message,
	})
}
