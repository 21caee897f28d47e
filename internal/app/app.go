package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alex-user-go/globefare/internal/config"
	"github.com/alex-user-go/globefare/internal/handler"
	"github.com/alex-user-go/globefare/internal/logging"
	"github.com/alex-user-go/globefare/internal/memory"
	"github.com/alex-user-go/globefare/internal/obs"
	"github.com/alex-user-go/globefare/internal/pivots"
	"github.com/alex-user-go/globefare/internal/providers"
	"github.com/alex-user-go/globefare/internal/reference"
	"github.com/alex-user-go/globefare/internal/search"
	"github.com/alex-user-go/globefare/internal/search/cache"
	"github.com/alex-user-go/globefare/internal/search/ratelimit"
	"github.com/alex-user-go/globefare/internal/supervisor"
)

// Run initializes and runs the application until SIGINT or SIGTERM.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return RunWithConfig(ctx, cfg)
}

// RunWithConfig runs the application with cfg until ctx is canceled.
func RunWithConfig(ctx context.Context, cfg *config.Config) error {
	started := time.Now()

	// Initialize logger
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stdout,
	})

	// Initialize metrics
	metrics := obs.NewMetrics()

	// Initialize cache
	flightCache, err := cache.New(cfg.Cache.Dir, cache.Policy{
		ProtectedTTL:        cfg.Cache.ProtectedTTL,
		ShortTTL:            cfg.Cache.ShortTTL,
		RouteTTL:            cfg.Cache.RouteTTL,
		NoDataTTL:           cfg.Cache.NoDataTTL,
		ProtectionThreshold: cfg.Cache.ProtectionThreshold,
	}, metrics, logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	pivotStore := pivots.NewStore(cfg.Pivots.Dir)

	names, err := reference.Load(cfg.Reference.AirlinesFile, cfg.Reference.AirportsFile)
	if err != nil {
		return fmt.Errorf("load reference data: %w", err)
	}
	airlines, airports := names.Counts()
	logger.Info().Int("airlines", airlines).Int("airports", airports).Msg("reference data loaded")

	flightMemory, err := memory.Open(memory.Options{
		Dir:        cfg.Memory.Dir,
		InMemory:   cfg.Memory.InMemory,
		MaxEntries: cfg.Memory.MaxEntries,
	})
	if err != nil {
		return fmt.Errorf("open flight memory: %w", err)
	}
	defer func() {
		if err := flightMemory.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close flight memory")
		}
	}()
	metrics.SetMemoryEntries(flightMemory.Len())

	// Initialize provider (API client behind the route cache)
	client, err := providers.New(cfg.Amadeus, metrics, logger)
	if err != nil {
		return fmt.Errorf("init flight provider: %w", err)
	}
	provider := providers.NewCachedProvider(client, flightCache, logger)

	// Initialize aggregator and service
	aggregator := search.NewAggregator(provider, pivotStore, search.Options{
		MaxPivots:      cfg.Search.MaxPivots,
		Concurrency:    cfg.Search.Concurrency,
		PivotTimeout:   cfg.Search.PivotTimeout,
		OffersPerPivot: cfg.Search.OffersPerPivot,
		ResultLimit:    cfg.Search.ResultLimit,
		Adults:         cfg.Search.Adults,
		MaxOffers:      cfg.Amadeus.MaxResults,
	}, metrics, logger)
	service := search.NewService(flightCache, aggregator, names, flightMemory, metrics, logger)

	// Initialize rate limiter
	limiter := ratelimit.New(cfg.Server.SearchRateLimit, cfg.Server.RateWindow)
	defer limiter.Close()

	// Initialize handler
	h := handler.New(handler.Deps{
		Flights:      service,
		Cache:        flightCache,
		Memory:       flightMemory,
		Destinations: pivotStore,
		Upstream:     client,
		Limiter:      limiter,
		Metrics:      metrics,
		Logger:       logger,
	}, handler.Options{
		CORSOrigins:      cfg.Server.CORSOrigins,
		RefreshRateLimit: cfg.Server.RefreshRateLimit,
		RateWindow:       cfg.Server.RateWindow,
		CleanupMaxAge:    cfg.Cache.MaxAge,
		Started:          started,
	})

	// Configure server
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddAPIService(supervisor.NewHTTPService(srv, srv.Addr, cfg.Server.ShutdownTimeout, logger))
	tree.AddBackgroundService(supervisor.NewJanitor(flightCache, cfg.Cache.CleanupInterval, cfg.Cache.MaxAge, logger))
	if cfg.Refresher.Enabled {
		tree.AddBackgroundService(supervisor.NewRefresher(service, supervisor.RefresherOptions{
			Interval:   cfg.Refresher.Interval,
			Targets:    cfg.Refresher.Targets,
			Date:       cfg.Refresher.Date,
			DaysAhead:  cfg.Refresher.DaysAhead,
			ResultsDir: cfg.Refresher.ResultsDir,
		}, logger))
	}

	logger.Info().
		Str("addr", srv.Addr).
		Str("mode", cfg.Amadeus.Mode).
		Str("upstream", client.BaseURL()).
		Strs("cors_origins", cfg.Server.CORSOrigins).
		Bool("refresher", cfg.Refresher.Enabled).
		Msg("globefare backend starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped with error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
