package main

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/providers"
)

const tokenTTL = 30 * time.Minute

var errUpstreamUnavailable = errors.New("upstream unavailable")

type carrier struct {
	code     string
	aircraft string
}

var (
	carriers = []carrier{
		{"TK", "77W"}, {"SQ", "359"}, {"QR", "388"}, {"EK", "77W"},
		{"LH", "346"}, {"KL", "789"}, {"GA", "333"}, {"TG", "359"},
	}
	hubs = []string{"IST", "DOH", "DXB", "SIN", "FRA", "AMS", "BKK"}
)

// Options tunes the simulated upstream.
type Options struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
	// EmptyRate is the share of routes that never have availability.
	EmptyRate float64
}

// Mock simulates the flight-offers API. Offers are deterministic per route
// and date; latency and failures are random per request.
type Mock struct {
	opts   Options
	logger zerolog.Logger
}

// NewMock creates a new Mock.
func NewMock(opts Options, logger zerolog.Logger) *Mock {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	return &Mock{opts: opts, logger: logger}
}

// Routes returns the mock's HTTP surface.
func (m *Mock) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/security/oauth2/token", m.token)
	r.Get("/v2/shopping/flight-offers", m.offers)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			m.logger.Error().Err(err).Msg("failed to write healthz response")
		}
	})
	return r
}

func (m *Mock) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "unsupported_grant_type",
			"error_description": "only client_credentials is supported",
		}, m.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":         "amadeusOAuth2Token",
		"access_token": "mock-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   int(tokenTTL.Seconds()),
	}, m.logger)
}

func (m *Mock) offers(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeErrors(w, http.StatusUnauthorized, "invalid access token", m.logger)
		return
	}

	q := r.URL.Query()
	query := providers.Query{
		Origin:      strings.ToUpper(q.Get("originLocationCode")),
		Destination: strings.ToUpper(q.Get("destinationLocationCode")),
		Date:        q.Get("departureDate"),
		Max:         5,
	}
	if query.Origin == "" || query.Destination == "" || query.Date == "" {
		writeErrors(w, http.StatusBadRequest, "missing required parameters", m.logger)
		return
	}
	if _, err := time.Parse(time.DateOnly, query.Date); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid departureDate", m.logger)
		return
	}
	if s := q.Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeErrors(w, http.StatusBadRequest, "invalid max", m.logger)
			return
		}
		query.Max = n
	}

	data, err := m.search(r.Context(), query)
	if err != nil {
		m.logger.Debug().Err(err).Str("route", query.String()).Msg("simulated failure")
		writeErrors(w, http.StatusInternalServerError, err.Error(), m.logger)
		return
	}
	writeJSON(w, http.StatusOK, providers.OffersResponse{Data: data}, m.logger)
}

// search waits a random latency, fails at the configured rate and otherwise
// returns the route's offers.
func (m *Mock) search(ctx context.Context, q providers.Query) ([]providers.Offer, error) {
	latency := m.opts.MinLatency
	if spread := m.opts.MaxLatency - m.opts.MinLatency; spread > 0 {
		latency += rand.N(spread)
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	if rand.Float64() < m.opts.FailureRate {
		return nil, errUpstreamUnavailable
	}
	return generateOffers(q, m.opts.EmptyRate), nil
}

// generateOffers builds up to q.Max offers seeded by the route and date.
func generateOffers(q providers.Query, emptyRate float64) []providers.Offer {
	h := fnv.New64a()
	_, _ = h.Write([]byte(q.String()))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>7))

	if rng.Float64() < emptyRate {
		return []providers.Offer{}
	}

	day, _ := time.Parse(time.DateOnly, q.Date)
	n := 1 + rng.IntN(q.Max)
	offers := make([]providers.Offer, 0, n)
	for i := range n {
		c := carriers[rng.IntN(len(carriers))]
		dep := day.Add(time.Duration(rng.IntN(22*60)) * time.Minute)
		flight := time.Duration(90+rng.IntN(12*60)) * time.Minute

		var segs []providers.WireSegment
		total := flight
		hub := hubs[rng.IntN(len(hubs))]
		if rng.IntN(3) == 0 && hub != q.Origin && hub != q.Destination {
			first := flight / 2
			layover := time.Duration(60+rng.IntN(180)) * time.Minute
			second := flight - first
			total = first + layover + second
			segs = []providers.WireSegment{
				segment(c, q.Origin, hub, dep, first, rng),
				segment(c, hub, q.Destination, dep.Add(first+layover), second, rng),
			}
		} else {
			segs = []providers.WireSegment{segment(c, q.Origin, q.Destination, dep, flight, rng)}
		}

		price := 80 + rng.Float64()*900
		offers = append(offers, providers.Offer{
			ID:                    strconv.Itoa(i + 1),
			Source:                "GDS",
			NumberOfBookableSeats: 1 + rng.IntN(9),
			Itineraries: []providers.Itinerary{{
				Duration: isoDuration(total),
				Segments: segs,
			}},
			Price: providers.OfferPrice{
				Currency:   "EUR",
				Total:      fmt.Sprintf("%.2f", price),
				GrandTotal: fmt.Sprintf("%.2f", price),
			},
			ValidatingAirlineCodes: []string{c.code},
		})
	}
	return offers
}

func segment(c carrier, from, to string, dep time.Time, d time.Duration, rng *rand.Rand) providers.WireSegment {
	return providers.WireSegment{
		Departure:   providers.Endpoint{IATACode: from, At: dep.Format("2006-01-02T15:04:05")},
		Arrival:     providers.Endpoint{IATACode: to, At: dep.Add(d).Format("2006-01-02T15:04:05")},
		CarrierCode: c.code,
		Number:      strconv.Itoa(10 + rng.IntN(980)),
		Aircraft:    providers.Aircraft{Code: c.aircraft},
		Duration:    isoDuration(d),
	}
}

func isoDuration(d time.Duration) string {
	mins := int(d.Minutes())
	return fmt.Sprintf("PT%dH%dM", mins/60, mins%60)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeErrors writes the upstream error envelope.
func writeErrors(w http.ResponseWriter, status int, detail string, logger zerolog.Logger) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{
			"status": status,
			"title":  http.StatusText(status),
			"detail": detail,
		}},
	}, logger)
}
