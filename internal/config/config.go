// Package config holds the service configuration and its layered loader.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Amadeus   AmadeusConfig   `koanf:"amadeus"`
	Cache     CacheConfig     `koanf:"cache"`
	Search    SearchConfig    `koanf:"search"`
	Pivots    PivotsConfig    `koanf:"pivots"`
	Reference ReferenceConfig `koanf:"reference"`
	Memory    MemoryConfig    `koanf:"memory"`
	Refresher RefresherConfig `koanf:"refresher"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP listener and the inbound limits.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	FrontendURL     string        `koanf:"frontend_url"`
	CORSOrigins     []string      `koanf:"cors_origins"`

	// SearchRateLimit is the number of /api/flights requests allowed per IP per RateWindow.
	SearchRateLimit int           `koanf:"search_rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`

	// RefreshRateLimit is the number of /api/refresh requests allowed per IP per RateWindow.
	RefreshRateLimit int `koanf:"refresh_rate_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AmadeusConfig configures the flight-offer API client.
type AmadeusConfig struct {
	Mode         string        `koanf:"mode"`
	BaseURL      string        `koanf:"base_url"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	Timeout      time.Duration `koanf:"timeout"`
	RPS          float64       `koanf:"rps"`
	Burst        int           `koanf:"burst"`
	MaxResults   int           `koanf:"max_results"`
}

// CacheConfig configures the on-disk JSON cache.
type CacheConfig struct {
	Dir                 string        `koanf:"dir"`
	ProtectedTTL        time.Duration `koanf:"protected_ttl"`
	ShortTTL            time.Duration `koanf:"short_ttl"`
	RouteTTL            time.Duration `koanf:"route_ttl"`
	NoDataTTL           time.Duration `koanf:"no_data_ttl"`
	MaxAge              time.Duration `koanf:"max_age"`
	CleanupInterval     time.Duration `koanf:"cleanup_interval"`
	ProtectionThreshold int           `koanf:"protection_threshold"`
}

// SearchConfig configures the pivot fan-out.
type SearchConfig struct {
	MaxPivots      int           `koanf:"max_pivots"`
	Concurrency    int           `koanf:"concurrency"`
	PivotTimeout   time.Duration `koanf:"pivot_timeout"`
	OffersPerPivot int           `koanf:"offers_per_pivot"`
	ResultLimit    int           `koanf:"result_limit"`
	Adults         int           `koanf:"adults"`
}

// PivotsConfig locates the pivot airport lists.
type PivotsConfig struct {
	Dir string `koanf:"dir"`
}

// ReferenceConfig locates the airline and airport name tables.
type ReferenceConfig struct {
	AirlinesFile string `koanf:"airlines_file"`
	AirportsFile string `koanf:"airports_file"`
}

// MemoryConfig configures the flight memory log.
type MemoryConfig struct {
	Dir        string `koanf:"dir"`
	MaxEntries int    `koanf:"max_entries"`
	InMemory   bool   `koanf:"in_memory"`
}

// RefresherConfig configures the scheduled destination refresh.
type RefresherConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Interval   time.Duration `koanf:"interval"`
	Targets    []string      `koanf:"targets"`
	Date       string        `koanf:"date"`
	DaysAhead  int           `koanf:"days_ahead"`
	ResultsDir string        `koanf:"results_dir"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.SearchRateLimit < 1 || c.Server.RefreshRateLimit < 1 {
		errs = append(errs, errors.New("server rate limits must be at least 1"))
	}
	if c.Server.RateWindow <= 0 {
		errs = append(errs, errors.New("server.rate_window must be positive"))
	}

	switch c.Amadeus.Mode {
	case "amadeus", "mock":
	default:
		errs = append(errs, fmt.Errorf("unsupported amadeus.mode %q", c.Amadeus.Mode))
	}
	if c.Amadeus.BaseURL == "" {
		errs = append(errs, errors.New("amadeus.base_url is required"))
	}
	if c.Amadeus.RPS <= 0 || c.Amadeus.Burst < 1 {
		errs = append(errs, errors.New("amadeus.rps and amadeus.burst must be positive"))
	}

	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}
	if c.Cache.ShortTTL <= 0 || c.Cache.ProtectedTTL <= 0 {
		errs = append(errs, errors.New("cache TTLs must be positive"))
	}
	if c.Cache.ShortTTL > c.Cache.ProtectedTTL {
		errs = append(errs, fmt.Errorf("cache.short_ttl (%s) exceeds cache.protected_ttl (%s)", c.Cache.ShortTTL, c.Cache.ProtectedTTL))
	}

	if c.Search.Concurrency < 1 {
		errs = append(errs, errors.New("search.concurrency must be at least 1"))
	}
	if c.Search.MaxPivots < 1 {
		errs = append(errs, errors.New("search.max_pivots must be at least 1"))
	}
	if c.Search.ResultLimit < 1 {
		errs = append(errs, errors.New("search.result_limit must be at least 1"))
	}
	if c.Search.OffersPerPivot < 1 {
		errs = append(errs, errors.New("search.offers_per_pivot must be at least 1"))
	}
	if c.Search.PivotTimeout <= 0 {
		errs = append(errs, errors.New("search.pivot_timeout must be positive"))
	}

	if c.Memory.MaxEntries < 1 {
		errs = append(errs, errors.New("memory.max_entries must be at least 1"))
	}
	if !c.Memory.InMemory && c.Memory.Dir == "" {
		errs = append(errs, errors.New("memory.dir is required unless memory.in_memory is set"))
	}

	if c.Refresher.Enabled {
		if c.Refresher.Interval <= 0 {
			errs = append(errs, errors.New("refresher.interval must be positive"))
		}
		if len(c.Refresher.Targets) == 0 {
			errs = append(errs, errors.New("refresher.targets must not be empty"))
		}
		if c.Refresher.Date != "" {
			if _, err := time.Parse(time.DateOnly, c.Refresher.Date); err != nil {
				errs = append(errs, fmt.Errorf("refresher.date: %w", err))
			}
		}
	}

	return errors.Join(errs...)
}
