package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerDuration prometheus.Histogram
	pivotSearches    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	rateLimited      *prometheus.CounterVec
	filesDeleted     prometheus.Counter
	memoryEntries    prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "globefare_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "globefare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "globefare_cache_lookups_total",
			Help: "Cache lookups by kind (aggregate, route, no_data) and result (hit, miss, stale)",
		}, []string{"kind", "result"}),
		providerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "globefare_provider_requests_total",
			Help: "Upstream flight-offer requests by result",
		}, []string{"result"}),
		providerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "globefare_provider_request_duration_seconds",
			Help:    "Upstream flight-offer request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		pivotSearches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "globefare_pivot_searches_total",
			Help: "Per-pivot searches by result (ok, empty, error, timeout)",
		}, []string{"result"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "globefare_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "globefare_rate_limited_total",
			Help: "Requests rejected by a rate limiter",
		}, []string{"route"}),
		filesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "globefare_cache_files_deleted_total",
			Help: "Cache files removed by cleanup or clear",
		}),
		memoryEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "globefare_memory_entries",
			Help: "Records held in the flight memory log",
		}),
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// IncCacheLookup counts a cache lookup.
func (m *Metrics) IncCacheLookup(kind, result string) {
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// ObserveProviderRequest records one upstream request.
func (m *Metrics) ObserveProviderRequest(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerRequests.WithLabelValues(result).Inc()
	m.providerDuration.Observe(d.Seconds())
}

// IncPivotSearch counts a finished pivot search.
func (m *Metrics) IncPivotSearch(result string) {
	m.pivotSearches.WithLabelValues(result).Inc()
}

// SetBreakerState publishes a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

// IncRateLimited counts a rejected request.
func (m *Metrics) IncRateLimited(route string) {
	m.rateLimited.WithLabelValues(route).Inc()
}

// AddFilesDeleted counts removed cache files.
func (m *Metrics) AddFilesDeleted(n int) {
	m.filesDeleted.Add(float64(n))
}

// SetMemoryEntries publishes the memory log size.
func (m *Metrics) SetMemoryEntries(n int) {
	m.memoryEntries.Set(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsHandler serves the registry in Prometheus exposition format.
func (m *Metrics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status          string  `json:"status"`
	Uptime          float64 `json:"uptime"`
	Timestamp       string  `json:"timestamp"`
	UpstreamBreaker string  `json:"upstream_breaker,omitempty"`
}

// HealthHandler reports liveness and process uptime in seconds. When breaker
// is set, its state is included and an open breaker reports "degraded".
func HealthHandler(started time.Time, breaker func() string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "healthy",
			Uptime:    time.Since(started).Seconds(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if breaker != nil {
			resp.UpstreamBreaker = breaker()
			if resp.UpstreamBreaker == "open" {
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error().Err(err).Msg("failed to write health response")
		}
	}
}
