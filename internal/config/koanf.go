package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/globefare/config.yaml",
	"/etc/globefare/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// MockBaseURL is where cmd/amadeus-mock listens by default. It is the API
// root in mock mode unless amadeus.base_url is set explicitly.
const MockBaseURL = "http://localhost:9100"

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             5000,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     2 * time.Minute,
			IdleTimeout:      60 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			FrontendURL:      "http://localhost:3000",
			SearchRateLimit:  30,
			RefreshRateLimit: 5,
			RateWindow:       time.Minute,
		},
		Amadeus: AmadeusConfig{
			Mode:       "amadeus",
			BaseURL:    "https://test.api.amadeus.com",
			Timeout:    30 * time.Second,
			RPS:        10,
			Burst:      10,
			MaxResults: 5,
		},
		Cache: CacheConfig{
			Dir:                 "cache",
			ProtectedTTL:        12 * time.Hour,
			ShortTTL:            2 * time.Hour,
			RouteTTL:            12 * time.Hour,
			NoDataTTL:           2 * time.Hour,
			MaxAge:              24 * time.Hour,
			CleanupInterval:     time.Hour,
			ProtectionThreshold: 15,
		},
		Search: SearchConfig{
			MaxPivots:      20,
			Concurrency:    5,
			PivotTimeout:   30 * time.Second,
			OffersPerPivot: 2,
			ResultLimit:    15,
			Adults:         1,
		},
		Pivots: PivotsConfig{
			Dir: "pivots",
		},
		Reference: ReferenceConfig{
			AirlinesFile: "data/airlines.json",
			AirportsFile: "data/iata-data.json",
		},
		Memory: MemoryConfig{
			Dir:        "data/memory",
			MaxEntries: 500,
		},
		Refresher: RefresherConfig{
			Enabled:   false,
			Interval:  6 * time.Hour,
			Targets:   []string{"BKK", "DPS"},
			DaysAhead: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path. An empty path skips the file layer.
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// File and env values go through their own instance so explicit settings
	// can be told apart from defaults.
	overrides := koanf.New(".")
	if configPath != "" {
		if err := overrides.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := overrides.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Merge(overrides); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Amadeus.Mode == "mock" && !overrides.Exists("amadeus.base_url") {
		cfg.Amadeus.BaseURL = MockBaseURL
	}
	if len(cfg.Server.CORSOrigins) == 0 && cfg.Server.FrontendURL != "" {
		cfg.Server.CORSOrigins = []string{cfg.Server.FrontendURL}
	}
	for i, t := range cfg.Refresher.Targets {
		cfg.Refresher.Targets[i] = strings.ToUpper(strings.TrimSpace(t))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"server.cors_origins",
	"refresher.targets",
}

// processSliceFields splits comma-separated env values for slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps the flat variable names the service has always read to config paths.
var envMappings = map[string]string{
	"port":                  "server.port",
	"host":                  "server.host",
	"frontend_url":          "server.frontend_url",
	"cors_origins":          "server.cors_origins",
	"search_rate_limit":     "server.search_rate_limit",
	"refresh_rate_limit":    "server.refresh_rate_limit",
	"api_mode":              "amadeus.mode",
	"amadeus_client_id":     "amadeus.client_id",
	"amadeus_client_secret": "amadeus.client_secret",
	"amadeus_base_url":      "amadeus.base_url",
	"amadeus_timeout":       "amadeus.timeout",
	"amadeus_rps":           "amadeus.rps",
	"cache_dir":             "cache.dir",
	"cache_protected_ttl":   "cache.protected_ttl",
	"cache_short_ttl":       "cache.short_ttl",
	"cache_max_age":         "cache.max_age",
	"search_max_pivots":     "search.max_pivots",
	"search_concurrency":    "search.concurrency",
	"search_pivot_timeout":  "search.pivot_timeout",
	"search_result_limit":   "search.result_limit",
	"pivots_dir":            "pivots.dir",
	"airlines_file":         "reference.airlines_file",
	"airports_file":         "reference.airports_file",
	"memory_dir":            "memory.dir",
	"memory_max_entries":    "memory.max_entries",
	"refresher_enabled":     "refresher.enabled",
	"refresher_interval":    "refresher.interval",
	"refresher_targets":     "refresher.targets",
	"refresher_date":        "refresher.date",
	"results_dir":           "refresher.results_dir",
	"log_level":             "logging.level",
	"log_format":            "logging.format",
	"log_caller":            "logging.caller",
}

// envTransformFunc maps an environment variable name to a koanf path.
// Unknown names map to "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
