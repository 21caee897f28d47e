package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/memory"
	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/reference"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/types"
)

// ErrNoFlights is returned by Refresh when no pivot produced a flight.
var ErrNoFlights = errors.New("no flights found for any pivot location")

const flightType = "direct-priority-with-connecting-fallback"

// Searcher runs one uncached destination search.
type Searcher interface {
	Search(ctx context.Context, dest, date string) (*types.Result, error)
}

// FlightMemory records observed flights.
type FlightMemory interface {
	Append(ctx context.Context, records ...memory.Record) error
	Len() int
}

// Response is the outcome of a flight lookup.
type Response struct {
	Flights []types.Flight
	Source  types.Source
	Message string
	Meta    Meta
}

// Meta describes how a Response was produced.
type Meta struct {
	Destination        string   `json:"destination"`
	Date               string   `json:"date"`
	CacheAgeHours      *float64 `json:"cache_age_hours,omitempty"`
	CachedAt           string   `json:"cached_at,omitempty"`
	OriginalSearchTime string   `json:"original_search_time,omitempty"`
	PivotsSearched     int      `json:"pivots_searched"`
	PivotsSucceeded    int      `json:"pivots_succeeded"`
	PivotsFailed       int      `json:"pivots_failed"`
	TotalFound         int      `json:"total_flights_found"`
	DirectFound        int      `json:"direct_flights_found"`
	ConnectingFound    int      `json:"connecting_flights_found"`
	DirectReturned     int      `json:"direct_returned"`
	ConnectingReturned int      `json:"connecting_returned"`
	Returned           int      `json:"returned"`
	FlightType         string   `json:"flight_type,omitempty"`
	SearchDurationMs   int64    `json:"search_duration_ms,omitempty"`
	StaleReason        string   `json:"stale_reason,omitempty"`
}

// Service answers flight lookups from the aggregate cache and falls back to
// a collapsed pivot search.
type Service struct {
	cache    *cache.Cache
	searcher Searcher
	names    *reference.Directory
	memory   FlightMemory
	metrics  *obs.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a Service. names and mem may be nil.
func NewService(c *cache.Cache, searcher Searcher, names *reference.Directory, mem FlightMemory, metrics *obs.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		cache:    c,
		searcher: searcher,
		names:    names,
		memory:   mem,
		metrics:  metrics,
		logger:   logger.With().Str("component", "flights").Logger(),
		now:      time.Now,
	}
}

// Flights returns the flights for dest on date. A fresh aggregate is served
// as is. Otherwise a search runs, and a stale aggregate is served if it fails.
func (s *Service) Flights(ctx context.Context, dest, date string) (*Response, error) {
	dest = strings.ToUpper(strings.TrimSpace(dest))

	stored, err := s.cache.LoadAggregate(dest, date)
	var stale *cache.Aggregate
	switch {
	case err == nil:
		return s.fromAggregate(stored, types.SourceCache), nil
	case errors.Is(err, cache.ErrExpired):
		stale = stored
	case errors.Is(err, cache.ErrNotFound):
	case errors.Is(err, cache.ErrInvalidKey):
		return nil, err
	default:
		s.logger.Warn().Err(err).Str("destination", dest).Str("date", date).Msg("aggregate cache read failed")
	}

	result, err := s.search(ctx, dest, date, types.SourceSearch)
	switch {
	case errors.Is(err, pivots.ErrNoPivots):
		return &Response{
			Flights: []types.Flight{},
			Source:  types.SourceNoPivots,
			Message: fmt.Sprintf("No pivot airports configured for %s", dest),
			Meta:    Meta{Destination: dest, Date: date},
		}, nil
	case err != nil:
		if stale == nil || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("destination", dest).Str("date", date).Msg("search failed, serving stale cache")
		resp := s.fromAggregate(stale, types.SourceStale)
		resp.Meta.StaleReason = err.Error()
		return resp, nil
	}

	resp := &Response{
		Flights: result.Flights,
		Source:  types.SourceSearch,
		Meta:    resultMeta(dest, date, result),
	}
	if len(result.Flights) == 0 {
		resp.Flights = []types.Flight{}
		resp.Source = types.SourceNoData
		resp.Message = fmt.Sprintf("No flights found to %s on %s", dest, date)
	}
	return resp, nil
}

// Refresh searches dest on date regardless of the cached aggregate and
// returns the number of flights saved.
func (s *Service) Refresh(ctx context.Context, dest, date string) (int, error) {
	dest = strings.ToUpper(strings.TrimSpace(dest))

	result, err := s.search(ctx, dest, date, types.SourceRefresh)
	if err != nil {
		return 0, err
	}
	if len(result.Flights) == 0 {
		return 0, fmt.Errorf("%w: %s on %s", ErrNoFlights, dest, date)
	}
	return len(result.Flights), nil
}

// search runs one collapsed search per key. The winning call enriches and
// saves the result, so each aggregate file has a single writer.
func (s *Service) search(ctx context.Context, dest, date string, source types.Source) (*types.Result, error) {
	result, shared, err := s.cache.GetOrSearch(ctx, s.cache.Key(dest, date), func(ctx context.Context) (*types.Result, error) {
		started := s.now()
		result, err := s.searcher.Search(ctx, dest, date)
		if err != nil {
			return nil, err
		}
		s.enrich(result.Flights)

		if len(result.Flights) > 0 {
			if err := s.cache.SaveAggregate(toAggregate(dest, date, source, result, s.now().Sub(started))); err != nil {
				s.logger.Error().Err(err).Str("destination", dest).Str("date", date).Msg("failed to save aggregate")
			}
			s.remember(ctx, dest, date, source, result.Flights)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug().Str("destination", dest).Str("date", date).Msg("joined in-flight search")
	}
	return result, nil
}

func (s *Service) enrich(flights []types.Flight) {
	for i := range flights {
		f := &flights[i]
		f.AirlineName = s.names.AirlineName(f.AirlineCode)
		origin := s.names.Location(f.From)
		f.OriginCity, f.OriginCountry = origin.City, origin.Country
		dest := s.names.Location(f.To)
		f.DestCity, f.DestCountry = dest.City, dest.Country
	}
}

// remember appends the cheapest flight of each origin to the flight memory.
func (s *Service) remember(ctx context.Context, dest, date string, source types.Source, flights []types.Flight) {
	if s.memory == nil {
		return
	}

	cheapest := make(map[string]int)
	var order []string
	for i, f := range flights {
		j, ok := cheapest[f.From]
		if !ok {
			order = append(order, f.From)
			cheapest[f.From] = i
			continue
		}
		if f.Price < flights[j].Price {
			cheapest[f.From] = i
		}
	}

	records := make([]memory.Record, 0, len(order))
	for _, from := range order {
		f := flights[cheapest[from]]
		records = append(records, memory.Record{
			Destination:  dest,
			Date:         date,
			From:         f.From,
			To:           f.To,
			Airline:      f.AirlineCode,
			FlightNumber: f.FlightNumber,
			Departure:    f.Departure,
			Price:        f.Price,
			Currency:     f.Currency,
			Stops:        f.Stops,
			Source:       string(source),
		})
	}
	if err := s.memory.Append(ctx, records...); err != nil {
		s.logger.Warn().Err(err).Str("destination", dest).Msg("failed to append flight memory")
		return
	}
	s.metrics.SetMemoryEntries(s.memory.Len())
}

func (s *Service) fromAggregate(a *cache.Aggregate, source types.Source) *Response {
	age := roundTo(s.now().Sub(a.SavedAt()).Hours(), 2)
	flights := a.Flights
	if flights == nil {
		flights = []types.Flight{}
	}
	return &Response{
		Flights: flights,
		Source:  source,
		Meta: Meta{
			Destination:        a.Destination,
			Date:               a.Date,
			CacheAgeHours:      &age,
			CachedAt:           a.CachedAt,
			OriginalSearchTime: a.SavedAt().UTC().Format(time.RFC3339),
			PivotsSearched:     a.PivotsSearched,
			PivotsSucceeded:    a.PivotsSucceeded,
			PivotsFailed:       a.PivotsSearched - a.PivotsSucceeded,
			TotalFound:         a.TotalFound,
			DirectFound:        a.DirectFound,
			ConnectingFound:    a.ConnectingFound,
			DirectReturned:     a.DirectReturned,
			ConnectingReturned: a.ConnectingReturned,
			Returned:           len(flights),
			FlightType:         flightType,
		},
	}
}

func resultMeta(dest, date string, r *types.Result) Meta {
	return Meta{
		Destination:        dest,
		Date:               date,
		PivotsSearched:     r.PivotsSearched,
		PivotsSucceeded:    r.PivotsSucceeded,
		PivotsFailed:       r.PivotsFailed,
		TotalFound:         r.TotalFound,
		DirectFound:        r.DirectFound,
		ConnectingFound:    r.ConnectingFound,
		DirectReturned:     r.DirectReturned,
		ConnectingReturned: r.ConnectingReturned,
		Returned:           len(r.Flights),
		FlightType:         flightType,
	}
}

func toAggregate(dest, date string, source types.Source, r *types.Result, took time.Duration) *cache.Aggregate {
	return &cache.Aggregate{
		Destination:        dest,
		Date:               date,
		Flights:            r.Flights,
		Source:             string(source),
		PivotsSearched:     r.PivotsSearched,
		PivotsSucceeded:    r.PivotsSucceeded,
		TotalFound:         r.TotalFound,
		DirectFound:        r.DirectFound,
		ConnectingFound:    r.ConnectingFound,
		DirectReturned:     r.DirectReturned,
		ConnectingReturned: r.ConnectingReturned,
		SearchDurationMs:   took.Milliseconds(),
	}
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for range places {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
