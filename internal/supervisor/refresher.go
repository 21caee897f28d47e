package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/alex-user-go/globefare/internal/search"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/types"
)

// FlightRefresher re-runs destination searches and reads back the result.
type FlightRefresher interface {
	Refresh(ctx context.Context, dest, date string) (int, error)
	Flights(ctx context.Context, dest, date string) (*search.Response, error)
}

// RefresherOptions configures the scheduled refresh.
type RefresherOptions struct {
	Interval time.Duration
	Targets  []string
	// Date is a fixed YYYY-MM-DD travel date. Empty means today plus DaysAhead.
	Date      string
	DaysAhead int
	// ResultsDir receives results-{DEST}.json when set.
	ResultsDir string
}

// Refresher searches every target destination on a schedule, starting
// immediately.
type Refresher struct {
	flights FlightRefresher
	opts    RefresherOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRefresher creates a Refresher.
func NewRefresher(flights FlightRefresher, opts RefresherOptions, logger zerolog.Logger) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 6 * time.Hour
	}
	return &Refresher{
		flights: flights,
		opts:    opts,
		logger:  logger.With().Str("component", "refresher").Logger(),
		now:     time.Now,
	}
}

// Serve implements suture.Service.
func (r *Refresher) Serve(ctx context.Context) error {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every target once. Failures are logged per target.
func (r *Refresher) RunOnce(ctx context.Context) {
	date := r.travelDate()
	r.logger.Info().Strs("targets", r.opts.Targets).Str("date", date).Msg("scheduled refresh started")

	for _, dest := range r.opts.Targets {
		if ctx.Err() != nil {
			return
		}
		if err := r.refresh(ctx, dest, date); err != nil {
			r.logger.Error().Err(err).Str("destination", dest).Str("date", date).Msg("scheduled refresh failed")
		}
	}
	r.logger.Info().Msg("scheduled refresh completed")
}

func (r *Refresher) refresh(ctx context.Context, dest, date string) error {
	count, err := r.flights.Refresh(ctx, dest, date)
	if errors.Is(err, search.ErrNoFlights) {
		r.logger.Warn().Str("destination", dest).Str("date", date).Msg("no flights found for any pivot")
		return r.writeResults(dest, []types.Flight{})
	}
	if err != nil {
		return err
	}

	resp, err := r.flights.Flights(ctx, dest, date)
	if err != nil {
		return fmt.Errorf("read back %s: %w", dest, err)
	}
	for _, f := range resp.Flights {
		r.logger.Info().
			Str("destination", dest).
			Str("flight", f.FlightNumber).
			Str("airline", firstNonEmpty(f.AirlineName, f.AirlineCode)).
			Str("from", f.From).
			Str("origin_city", f.OriginCity).
			Str("departure", f.Departure).
			Str("duration", search.FormatDuration(f.DurationMinutes)).
			Int("stops", f.Stops).
			Float64("price", f.Price).
			Str("currency", f.Currency).
			Msg("top result")
	}
	r.logger.Info().Str("destination", dest).Int("count", count).Msg("destination refreshed")

	return r.writeResults(dest, resp.Flights)
}

// writeResults stores the ranked list as results-{DEST}.json.
func (r *Refresher) writeResults(dest string, flights []types.Flight) error {
	if r.opts.ResultsDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.opts.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	path := filepath.Join(r.opts.ResultsDir, "results-"+dest+".json")
	if err := cache.WriteJSONAtomic(path, flights); err != nil {
		return fmt.Errorf("write results for %s: %w", dest, err)
	}

	r.logger.Info().Str("file", path).Int("flights", len(flights)).Msg("results saved")
	return nil
}

func (r *Refresher) travelDate() string {
	if r.opts.Date != "" {
		return r.opts.Date
	}
	return r.now().UTC().AddDate(0, 0, r.opts.DaysAhead).Format(time.DateOnly)
}

func (r *Refresher) String() string {
	return "destination-refresher"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
