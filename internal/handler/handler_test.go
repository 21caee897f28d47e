package handler_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/alex-user-go/globefare/internal/handler"
	"github.com/alex-user-go/globefare/internal/logging"
	"github.com/alex-user-go/globefare/internal/memory"
	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/search"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/ratelimit"
	"github.com/alex-user-go/globefare/internal/search/types"
)

const frontendOrigin = "http://localhost:3000"

// fakeFlights is a FlightService with canned answers.
type fakeFlights struct {
	mu         sync.Mutex
	resp       *search.Response
	err        error
	refreshN   int
	refreshErr error
	lastDest   string
}

func (f *fakeFlights) Flights(ctx context.Context, dest, date string) (*search.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDest = dest
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeFlights) Refresh(ctx context.Context, dest, date string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDest = dest
	return f.refreshN, f.refreshErr
}

type fakeCache struct {
	files       []cache.FileStatus
	cleared     int
	clearErr    error
	invalidated []string
}

func (c *fakeCache) Status() ([]cache.FileStatus, error) { return c.files, nil }
func (c *fakeCache) Clear() (int, error)                 { return c.cleared, c.clearErr }
func (c *fakeCache) Invalidate(dest, date string) error {
	if dest == "" || len(dest) != 3 || len(date) != 10 {
		return fmt.Errorf("%w: %q %q", cache.ErrInvalidKey, dest, date)
	}
	c.invalidated = append(c.invalidated, dest+"/"+date)
	return nil
}

func (c *fakeCache) Policy() cache.Policy {
	return cache.Policy{ProtectedTTL: 12 * time.Hour, ShortTTL: 2 * time.Hour, ProtectionThreshold: 15}
}

type fakeUpstream string

func (u fakeUpstream) BreakerState() string { return string(u) }

type fakeDestinations []string

func (d fakeDestinations) Destinations() ([]string, error) { return d, nil }

type testEnv struct {
	flights *fakeFlights
	cache   *fakeCache
	memory  *memory.Store
	limiter *ratelimit.Limiter
	router  http.Handler
}

func newTestEnv(t *testing.T, searchLimit, refreshLimit int) *testEnv {
	t.Helper()

	mem, err := memory.Open(memory.Options{InMemory: true, MaxEntries: 100})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	limiter := ratelimit.New(searchLimit, time.Minute)
	t.Cleanup(limiter.Close)

	env := &testEnv{
		flights: &fakeFlights{resp: &search.Response{
			Flights: []types.Flight{{ID: "SQ938-SIN-DPS", FlightNumber: "SQ938", From: "SIN", To: "DPS", Price: 120, Currency: "EUR"}},
			Source:  types.SourceSearch,
			Meta:    search.Meta{Destination: "DPS", PivotsSearched: 3, Returned: 1},
		}},
		cache:   &fakeCache{cleared: 4, files: []cache.FileStatus{{File: "flight-cache-DPS-2026-05-24.json", Flights: 15, Valid: true}}},
		memory:  mem,
		limiter: limiter,
	}

	h := handler.New(handler.Deps{
		Flights:      env.flights,
		Cache:        env.cache,
		Memory:       mem,
		Destinations: fakeDestinations{"BKK", "DPS"},
		Upstream:     fakeUpstream("closed"),
		Limiter:      limiter,
		Metrics:      obs.NewMetrics(),
		Logger:       logging.Nop(),
	}, handler.Options{
		CORSOrigins:      []string{frontendOrigin},
		RefreshRateLimit: refreshLimit,
		RateWindow:       time.Minute,
		CleanupMaxAge:    24 * time.Hour,
	})
	env.router = h.Routes()
	return env
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func futureDate() string {
	return time.Now().UTC().AddDate(0, 0, 30).Format("2006-01-02")
}

func TestHandler_Flights(t *testing.T) {
	date := futureDate()
	past := time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02")

	tests := []struct {
		name        string
		query       string
		serviceErr  error
		exhaust     bool
		wantStatus  int
		wantError   string
		wantMessage string
	}{
		{
			name:       "successful lookup",
			query:      "to=DPS&date=" + date,
			wantStatus: http.StatusOK,
		},
		{
			name:       "lowercase destination",
			query:      "to=dps&date=" + date,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing both",
			query:      "",
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing required parameters: to and date",
		},
		{
			name:       "missing date",
			query:      "to=DPS",
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing required parameters: to and date",
		},
		{
			name:        "invalid destination",
			query:       "to=DP1&date=" + date,
			wantStatus:  http.StatusBadRequest,
			wantError:   "Invalid parameters",
			wantMessage: "to must be a 3-letter IATA airport code",
		},
		{
			name:        "invalid date format",
			query:       "to=DPS&date=2026/05/24",
			wantStatus:  http.StatusBadRequest,
			wantError:   "Invalid parameters",
			wantMessage: "date must be in YYYY-MM-DD format",
		},
		{
			name:        "date in the past",
			query:       "to=DPS&date=" + past,
			wantStatus:  http.StatusBadRequest,
			wantError:   "Invalid parameters",
			wantMessage: "date " + past + " is in the past",
		},
		{
			name:       "upstream unavailable",
			query:      "to=DPS&date=" + date,
			serviceErr: fmt.Errorf("%w: 3 pivots", search.ErrAllPivotsFailed),
			wantStatus: http.StatusBadGateway,
			wantError:  "Bad Gateway",
		},
		{
			name:       "internal error",
			query:      "to=DPS&date=" + date,
			serviceErr: errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal server error",
		},
		{
			name:       "rate limit exceeded",
			query:      "to=DPS&date=" + date,
			exhaust:    true,
			wantStatus: http.StatusTooManyRequests,
			wantError:  "Too many requests",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, 5)
			env.flights.err = tt.serviceErr
			if tt.exhaust {
				for i := 0; i < 5; i++ {
					env.limiter.Allow("192.168.1.1")
				}
			}

			w := env.do(http.MethodGet, "/api/flights?"+tt.query)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decode(t, w)

			if tt.wantError != "" {
				if body["success"] != false {
					t.Errorf("success = %v, want false", body["success"])
				}
				if body["error"] != tt.wantError {
					t.Errorf("error = %q, want %q", body["error"], tt.wantError)
				}
				if tt.wantMessage != "" && body["message"] != tt.wantMessage {
					t.Errorf("message = %q, want %q", body["message"], tt.wantMessage)
				}
				return
			}

			var resp handler.FlightsResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if !resp.Success {
				t.Error("expected success")
			}
			if resp.Count != 1 || len(resp.Flights) != 1 {
				t.Errorf("count = %d, flights = %d, want 1", resp.Count, len(resp.Flights))
			}
			if resp.Source != types.SourceSearch {
				t.Errorf("source = %q, want %q", resp.Source, types.SourceSearch)
			}
			if resp.Meta.RequestID == "" {
				t.Error("expected meta.request_id to be set")
			}
			if resp.Meta.RequestID != w.Header().Get("X-Request-ID") {
				t.Errorf("meta.request_id = %q, header = %q", resp.Meta.RequestID, w.Header().Get("X-Request-ID"))
			}
			if resp.Meta.PivotsSearched != 3 {
				t.Errorf("meta.pivots_searched = %d, want 3", resp.Meta.PivotsSearched)
			}
			if env.flights.lastDest != "DPS" {
				t.Errorf("service called with %q, want DPS", env.flights.lastDest)
			}
		})
	}
}

func TestHandler_Flights_MissingParamsMeta(t *testing.T) {
	env := newTestEnv(t, 5, 5)

	w := env.do(http.MethodGet, "/api/flights?to=DPS")
	body := decode(t, w)

	flights, ok := body["flights"].([]any)
	if !ok || len(flights) != 0 {
		t.Errorf("flights = %v, want empty list", body["flights"])
	}
	meta, ok := body["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta missing: %v", body)
	}
	received := meta["received_params"].(map[string]any)
	if received["to"] != "DPS" || received["date"] != "" {
		t.Errorf("received_params = %v", received)
	}
	if got := meta["required_params"].([]any); len(got) != 2 {
		t.Errorf("required_params = %v", got)
	}
}

func TestHandler_Flights_ErrorMeta(t *testing.T) {
	env := newTestEnv(t, 5, 5)
	env.flights.err = fmt.Errorf("%w: breaker", search.ErrAllPivotsFailed)

	w := env.do(http.MethodGet, "/api/flights?to=DPS&date="+futureDate())
	body := decode(t, w)

	meta := body["meta"].(map[string]any)
	if meta["destination"] != "DPS" {
		t.Errorf("meta.destination = %v", meta["destination"])
	}
	if meta["error_type"] != "upstream_unavailable" {
		t.Errorf("meta.error_type = %v", meta["error_type"])
	}
	if meta["request_id"] == "" {
		t.Error("expected meta.request_id")
	}
}

func TestHandler_FlightsAction(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "clear cache",
			action:     "clear-cache",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["message"] != "Cleared 4 cache files" {
					t.Errorf("message = %v", body["message"])
				}
			},
		},
		{
			name:       "cache status",
			action:     "cache-status",
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				if body["total_files"] != float64(1) {
					t.Errorf("total_files = %v", body["total_files"])
				}
				settings := body["cache_settings"].(map[string]any)
				if settings["protected_ttl_hours"] != float64(12) || settings["delete_hours"] != float64(24) {
					t.Errorf("cache_settings = %v", settings)
				}
			},
		},
		{
			name:       "unknown action",
			action:     "explode",
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				if body["error"] != "Invalid action" {
					t.Errorf("error = %v", body["error"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, 5)
			w := env.do(http.MethodPost, "/api/flights?action="+tt.action)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			tt.check(t, decode(t, w))
		})
	}
}

func TestHandler_ClearCache_Error(t *testing.T) {
	env := newTestEnv(t, 5, 5)
	env.cache.clearErr = errors.New("permission denied")

	w := env.do(http.MethodDelete, "/api/cache")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := decode(t, w); body["error"] != "Failed to clear cache" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHandler_ClearCache_SingleEntry(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantStatus  int
		wantMessage string
		wantCleared []string
	}{
		{
			name:        "one destination and date",
			query:       "?to=dps&date=2026-05-24",
			wantStatus:  http.StatusOK,
			wantMessage: "Cleared cache for DPS on 2026-05-24",
			wantCleared: []string{"DPS/2026-05-24"},
		},
		{
			name:       "date without destination",
			query:      "?date=2026-05-24",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed key",
			query:      "?to=DPS&date=tomorrow",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, 5)

			w := env.do(http.MethodDelete, "/api/cache"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantMessage != "" {
				if body := decode(t, w); body["message"] != tt.wantMessage {
					t.Errorf("message = %v, want %q", body["message"], tt.wantMessage)
				}
			}
			if len(env.cache.invalidated) != len(tt.wantCleared) {
				t.Fatalf("invalidated = %v, want %v", env.cache.invalidated, tt.wantCleared)
			}
			for i, key := range tt.wantCleared {
				if env.cache.invalidated[i] != key {
					t.Errorf("invalidated[%d] = %q, want %q", i, env.cache.invalidated[i], key)
				}
			}
		})
	}
}

func TestHandler_ClientGone(t *testing.T) {
	tests := []struct {
		name   string
		target string
		setup  func(f *fakeFlights)
	}{
		{
			name:   "flights",
			target: "/api/flights?to=DPS&date=" + futureDate(),
			setup:  func(f *fakeFlights) { f.err = context.Canceled },
		},
		{
			name:   "refresh",
			target: "/api/refresh?to=DPS&date=" + futureDate(),
			setup:  func(f *fakeFlights) { f.refreshErr = fmt.Errorf("search: %w", context.Canceled) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, 5)
			tt.setup(env.flights)

			w := env.do(http.MethodGet, tt.target)
			if w.Code != 499 {
				t.Errorf("status = %d, want 499", w.Code)
			}
			if w.Body.Len() != 0 {
				t.Errorf("expected empty body, got %q", w.Body.String())
			}
		})
	}
}

func TestHandler_Refresh(t *testing.T) {
	date := futureDate()

	tests := []struct {
		name        string
		method      string
		query       string
		count       int
		err         error
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "refreshed",
			method:      http.MethodGet,
			query:       "to=DPS&date=" + date,
			count:       12,
			wantStatus:  http.StatusOK,
			wantMessage: "Flight data refreshed and cached.",
		},
		{
			name:        "refreshed via POST",
			method:      http.MethodPost,
			query:       "to=bkk&date=" + date,
			count:       3,
			wantStatus:  http.StatusOK,
			wantMessage: "Flight data refreshed and cached.",
		},
		{
			name:        "missing params",
			method:      http.MethodGet,
			query:       "to=DPS",
			wantStatus:  http.StatusBadRequest,
			wantMessage: "Missing required query parameters: 'to' and/or 'date'.",
		},
		{
			name:        "no pivot file",
			method:      http.MethodGet,
			query:       "to=XYZ&date=" + date,
			err:         fmt.Errorf("load pivots for XYZ: %w", pivots.ErrNoPivots),
			wantStatus:  http.StatusNotFound,
			wantMessage: "No pivot file found for destination: XYZ",
		},
		{
			name:        "no flights",
			method:      http.MethodGet,
			query:       "to=DPS&date=" + date,
			err:         fmt.Errorf("%w: DPS", search.ErrNoFlights),
			wantStatus:  http.StatusNotFound,
			wantMessage: "No flights found for any pivot location.",
		},
		{
			name:        "upstream down",
			method:      http.MethodGet,
			query:       "to=DPS&date=" + date,
			err:         search.ErrAllPivotsFailed,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "Internal server error during refresh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5, 5)
			env.flights.refreshN = tt.count
			env.flights.refreshErr = tt.err

			w := env.do(tt.method, "/api/refresh?"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decode(t, w)
			if body["message"] != tt.wantMessage {
				t.Errorf("message = %q, want %q", body["message"], tt.wantMessage)
			}
			if tt.wantStatus == http.StatusOK && body["count"] != float64(tt.count) {
				t.Errorf("count = %v, want %d", body["count"], tt.count)
			}
		})
	}
}

func TestHandler_Refresh_RateLimited(t *testing.T) {
	env := newTestEnv(t, 5, 1)
	env.flights.refreshN = 1
	target := "/api/refresh?to=DPS&date=" + futureDate()

	if w := env.do(http.MethodGet, target); w.Code != http.StatusOK {
		t.Fatalf("first refresh status = %d, want 200", w.Code)
	}
	w := env.do(http.MethodGet, target)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second refresh status = %d, want 429", w.Code)
	}
}

func TestHandler_Memory(t *testing.T) {
	env := newTestEnv(t, 5, 5)
	for i := range 3 {
		if err := env.memory.Append(context.Background(), memory.Record{
			Destination:  "DPS",
			FlightNumber: fmt.Sprintf("SQ%d", i),
			Price:        float64(100 + i),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{name: "default limit", query: "", wantStatus: http.StatusOK, wantCount: 3},
		{name: "limited", query: "?limit=2", wantStatus: http.StatusOK, wantCount: 2},
		{name: "invalid limit", query: "?limit=zero", wantStatus: http.StatusBadRequest},
		{name: "negative limit", query: "?limit=-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/memory"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := decode(t, w)
			if body["count"] != float64(tt.wantCount) {
				t.Errorf("count = %v, want %d", body["count"], tt.wantCount)
			}
			if body["total"] != float64(3) {
				t.Errorf("total = %v, want 3", body["total"])
			}
			records := body["records"].([]any)
			first := records[0].(map[string]any)
			if first["flightNumber"] != "SQ2" {
				t.Errorf("first record = %v, want newest", first["flightNumber"])
			}
		})
	}
}

func TestHandler_InfoRoutes(t *testing.T) {
	tests := []struct {
		path     string
		wantKey  string
		wantBody string
	}{
		{path: "/", wantKey: "service", wantBody: "Globe Fare Backend API"},
		{path: "/api", wantKey: "name", wantBody: "Globe Fare API"},
		{path: "/health", wantKey: "status", wantBody: "healthy"},
		{path: "/healthz", wantKey: "status", wantBody: "healthy"},
		{path: "/health", wantKey: "upstream_breaker", wantBody: "closed"},
		{path: "/api/destinations", wantKey: "count", wantBody: ""},
	}

	env := newTestEnv(t, 5, 5)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := decode(t, w)
			v, ok := body[tt.wantKey]
			if !ok {
				t.Fatalf("missing %q in %v", tt.wantKey, body)
			}
			if tt.wantBody != "" && v != tt.wantBody {
				t.Errorf("%s = %v, want %q", tt.wantKey, v, tt.wantBody)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	env := newTestEnv(t, 5, 5)
	env.do(http.MethodGet, "/api/flights?to=DPS&date="+futureDate())

	w := env.do(http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/flights"`) {
		t.Error("expected /api/flights route label in metrics output")
	}
}

func TestHandler_NotFound(t *testing.T) {
	env := newTestEnv(t, 5, 5)

	w := env.do(http.MethodGet, "/nope?x=1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decode(t, w)
	if body["error"] != "Route not found" {
		t.Errorf("error = %v", body["error"])
	}
	if body["message"] != "Cannot GET /nope?x=1" {
		t.Errorf("message = %v", body["message"])
	}
	if routes, ok := body["available_routes"].([]any); !ok || len(routes) == 0 {
		t.Errorf("available_routes = %v", body["available_routes"])
	}
}

func TestHandler_CORS(t *testing.T) {
	env := newTestEnv(t, 5, 5)

	req := httptest.NewRequest(http.MethodOptions, "/api/flights", nil)
	req.Header.Set("Origin", frontendOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != frontendOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, frontendOrigin)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/flights", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected Access-Control-Allow-Origin %q for foreign origin", got)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		wantIP     string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195"},
			remoteAddr: "192.168.1.1:12345",
			wantIP:     "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195, 70.41.3.18, 150.172.238.178"},
			remoteAddr: "192.168.1.1:12345",
			wantIP:     "203.0.113.195",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.50"},
			remoteAddr: "192.168.1.1:12345",
			wantIP:     "203.0.113.50",
		},
		{
			name:       "X-Forwarded-For takes precedence",
			headers:    map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Real-IP": "2.2.2.2"},
			remoteAddr: "192.168.1.1:12345",
			wantIP:     "1.1.1.1",
		},
		{
			name:       "fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.1:12345",
			wantIP:     "192.168.1.1",
		},
		{
			name:       "RemoteAddr without port",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.1",
			wantIP:     "192.168.1.1",
		},
		{
			name:       "IPv6 RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "[::1]:12345",
			wantIP:     "::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got := handler.ExtractIP(req)
			if got != tt.wantIP {
				t.Errorf("ExtractIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestParseFlightParams(t *testing.T) {
	now := time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		query     string
		wantTo    string
		wantError string
	}{
		{name: "valid params", query: "to=DPS&date=2026-05-24", wantTo: "DPS"},
		{name: "today is allowed", query: "to=bkk&date=2026-05-20", wantTo: "BKK"},
		{name: "whitespace trimmed", query: "to=%20dps%20&date=2026-05-24", wantTo: "DPS"},
		{name: "empty to", query: "to=&date=2026-05-24", wantError: "missing required parameters: to and date"},
		{name: "too long", query: "to=DPSX&date=2026-05-24", wantError: "to must be a 3-letter IATA airport code"},
		{name: "digits", query: "to=D9S&date=2026-05-24", wantError: "to must be a 3-letter IATA airport code"},
		{name: "impossible date", query: "to=DPS&date=2026-02-30", wantError: "date must be in YYYY-MM-DD format"},
		{name: "yesterday", query: "to=DPS&date=2026-05-19", wantError: "date 2026-05-19 is in the past"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/flights?"+tt.query, nil)
			params, err := handler.ParseFlightParams(req, now)

			if tt.wantError != "" {
				if err == nil {
					t.Fatalf("expected error %q, got nil", tt.wantError)
				}
				if err.Error() != tt.wantError {
					t.Errorf("error = %q, want %q", err.Error(), tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if params.To != tt.wantTo {
				t.Errorf("To = %q, want %q", params.To, tt.wantTo)
			}
		})
	}
}
