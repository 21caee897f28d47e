package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/alex-user-go/globefare/internal/config"
	"github.com/alex-user-go/globefare/internal/obs"
)

const (
	tokenPath  = "/v1/security/oauth2/token"
	offersPath = "/v2/shopping/flight-offers"

	maxErrorBodySize = 64 * 1024
	breakerName      = "amadeus-api"
)

// StatusError is a non-200 response from the upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies server-side failures and throttling as ErrProviderUnavailable.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests {
		return ErrProviderUnavailable
	}
	return nil
}

// AmadeusClient queries the Amadeus flight-offers API.
//
// Tokens come from the client-credentials grant and are refreshed before
// they expire. Calls pass through a token bucket limiter and a circuit breaker.
type AmadeusClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]Offer]
	metrics    *obs.Metrics
	logger     zerolog.Logger
}

// New builds the client for cfg.Mode. The mock mode talks to the bundled
// mock server at cfg.BaseURL and accepts any credentials.
func New(cfg config.AmadeusConfig, metrics *obs.Metrics, logger zerolog.Logger) (*AmadeusClient, error) {
	switch cfg.Mode {
	case "amadeus":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("AMADEUS_CLIENT_ID and AMADEUS_CLIENT_SECRET are required")
		}
	case "mock":
		if cfg.BaseURL == "" {
			cfg.BaseURL = config.MockBaseURL
		}
		if cfg.ClientID == "" {
			cfg.ClientID = "mock"
		}
		if cfg.ClientSecret == "" {
			cfg.ClientSecret = "mock"
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, cfg.Mode)
	}
	return NewAmadeusClient(cfg, metrics, logger), nil
}

// NewAmadeusClient creates a client without mode checks.
func NewAmadeusClient(cfg config.AmadeusConfig, metrics *obs.Metrics, logger zerolog.Logger) *AmadeusClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	logger = logger.With().Str("component", "amadeus").Logger()

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + tokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	c := &AmadeusClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		metrics:    metrics,
		logger:     logger,
	}

	metrics.SetBreakerState(breakerName, 0)
	c.cb = gobreaker.NewCircuitBreaker[[]Offer](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.SetBreakerState(name, stateToFloat(to))
		},
		IsSuccessful: isBreakerSuccess,
	})

	return c
}

// Search fetches offers for one route.
func (c *AmadeusClient) Search(ctx context.Context, q Query) ([]Offer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	offers, err := c.cb.Execute(func() ([]Offer, error) {
		return c.fetch(ctx, q)
	})
	c.metrics.ObserveProviderRequest(err, time.Since(start))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug().Str("route", q.String()).Int("offers", len(offers)).Dur("took", time.Since(start)).Msg("offers fetched")
	return offers, nil
}

// BaseURL returns the API root the client talks to.
func (c *AmadeusClient) BaseURL() string {
	return c.baseURL
}

// BreakerState returns the breaker state name.
func (c *AmadeusClient) BreakerState() string {
	return c.cb.State().String()
}

func (c *AmadeusClient) fetch(ctx context.Context, q Query) ([]Offer, error) {
	u, err := url.Parse(c.baseURL + offersPath)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	adults := q.Adults
	if adults < 1 {
		adults = 1
	}
	maxResults := q.Max
	if maxResults < 1 {
		maxResults = 5
	}

	params := u.Query()
	params.Set("originLocationCode", q.Origin)
	params.Set("destinationLocationCode", q.Destination)
	params.Set("departureDate", q.Date)
	params.Set("adults", strconv.Itoa(adults))
	params.Set("max", strconv.Itoa(maxResults))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: request failed: %w", ErrProviderUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readBodyForError(resp.Body)}
	}

	var body OffersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if body.Data == nil {
		body.Data = []Offer{}
	}
	return body.Data, nil
}

// isBreakerSuccess keeps caller cancellations and client errors from tripping the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !errors.Is(se, ErrProviderUnavailable)
	}
	return false
}

func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "... (truncated)"
	}
	return string(body)
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
