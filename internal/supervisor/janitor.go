package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Cleaner removes cache files older than maxAge.
type Cleaner interface {
	Cleanup(maxAge time.Duration) (int, error)
}

// Janitor deletes old cache files once at start and then on every tick.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	maxAge   time.Duration
	logger   zerolog.Logger
}

// NewJanitor creates a Janitor. A non-positive interval defaults to one hour.
func NewJanitor(cleaner Cleaner, interval, maxAge time.Duration, logger zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		cleaner:  cleaner,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Serve implements suture.Service.
func (j *Janitor) Serve(ctx context.Context) error {
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	n, err := j.cleaner.Cleanup(j.maxAge)
	if err != nil {
		// A failed sweep is retried on the next tick.
		j.logger.Warn().Err(err).Int("deleted", n).Msg("cache cleanup failed")
		return
	}
	j.logger.Debug().Int("deleted", n).Msg("cache cleanup done")
}

func (j *Janitor) String() string {
	return "cache-janitor"
}
