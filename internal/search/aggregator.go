package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/providers"
	"github.com/alex-user-go/globefare/internal/search/types"
)

// ErrAllPivotsFailed is returned when no pivot search succeeded.
var ErrAllPivotsFailed = errors.New("all pivot searches failed")

const defaultResultLimit = 15

// PivotSource returns the pivot airports for a destination.
type PivotSource interface {
	Load(dest string) ([]pivots.Pivot, error)
}

// Options tunes the fan-out.
type Options struct {
	MaxPivots      int
	Concurrency    int
	PivotTimeout   time.Duration
	OffersPerPivot int
	ResultLimit    int
	Adults         int
	// MaxOffers is the number of offers requested from the provider per pivot.
	MaxOffers int
}

// Aggregator fans a destination search out to its pivot airports.
type Aggregator struct {
	provider providers.Provider
	pivots   PivotSource
	opts     Options
	metrics  *obs.Metrics
	logger   zerolog.Logger
}

// NewAggregator creates a new Aggregator.
func NewAggregator(provider providers.Provider, pivots PivotSource, opts Options, metrics *obs.Metrics, logger zerolog.Logger) *Aggregator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.OffersPerPivot < 1 {
		opts.OffersPerPivot = 1
	}
	if opts.Adults < 1 {
		opts.Adults = 1
	}
	if opts.ResultLimit < 1 {
		opts.ResultLimit = defaultResultLimit
	}
	return &Aggregator{
		provider: provider,
		pivots:   pivots,
		opts:     opts,
		metrics:  metrics,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}
}

// Search queries every pivot for dest on date and ranks the merged flights.
// Single pivot failures are logged and counted; only a search where every
// pivot failed returns an error.
func (a *Aggregator) Search(ctx context.Context, dest, date string) (*types.Result, error) {
	list, err := a.pivots.Load(dest)
	if err != nil {
		return nil, fmt.Errorf("load pivots for %s: %w", dest, err)
	}
	if a.opts.MaxPivots > 0 && len(list) > a.opts.MaxPivots {
		list = list[:a.opts.MaxPivots]
	}

	var (
		mu        sync.Mutex
		perPivot  = make([][]types.Flight, len(list))
		succeeded int
		failed    int
		firstErr  error
	)

	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)

	for i, p := range list {
		g.Go(func() error {
			flights, err := a.searchPivot(ctx, p, dest, date)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			succeeded++
			perPivot[i] = flights
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if len(list) > 0 && succeeded == 0 {
		return nil, fmt.Errorf("%w: %d pivots for %s: %w", ErrAllPivotsFailed, failed, dest, firstErr)
	}

	var merged []types.Flight
	for _, flights := range perPivot {
		merged = append(merged, flights...)
	}

	ranked, result := rankDirectFirst(dedupe(merged), a.opts.ResultLimit)
	result.Flights = ranked
	result.PivotsSearched = len(list)
	result.PivotsSucceeded = succeeded
	result.PivotsFailed = failed

	a.logger.Info().
		Str("destination", dest).
		Str("date", date).
		Int("pivots", len(list)).
		Int("failed", failed).
		Int("found", result.TotalFound).
		Int("direct", result.DirectFound).
		Int("returned", len(ranked)).
		Msg("pivot search finished")

	return &result, nil
}

func (a *Aggregator) searchPivot(ctx context.Context, p pivots.Pivot, dest, date string) ([]types.Flight, error) {
	if a.opts.PivotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.PivotTimeout)
		defer cancel()
	}

	q := providers.Query{
		Origin:      p.IATA,
		Destination: dest,
		Date:        date,
		Adults:      a.opts.Adults,
		Max:         a.opts.MaxOffers,
	}
	offers, err := a.provider.Search(ctx, q)
	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		a.metrics.IncPivotSearch(result)
		a.logger.Warn().Err(err).Str("route", q.String()).Str("result", result).Msg("pivot search failed")
		return nil, fmt.Errorf("pivot %s: %w", p.IATA, err)
	}

	flights := make([]types.Flight, 0, a.opts.OffersPerPivot)
	for _, o := range offers {
		if len(flights) == a.opts.OffersPerPivot {
			break
		}
		if f, ok := normalizeOffer(o); ok {
			flights = append(flights, f)
		}
	}

	result := "ok"
	if len(flights) == 0 {
		result = "empty"
	}
	a.metrics.IncPivotSearch(result)
	a.logger.Debug().Str("route", q.String()).Int("offers", len(offers)).Int("kept", len(flights)).Msg("pivot searched")
	return flights, nil
}
