// Command amadeus-mock serves a fake flight-offers API so the backend can run
// without credentials (API_MODE=mock).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/alex-user-go/globefare/internal/logging"
)

type mockConfig struct {
	Port        string        `koanf:"port"`
	MinLatency  time.Duration `koanf:"min_latency"`
	MaxLatency  time.Duration `koanf:"max_latency"`
	FailureRate float64       `koanf:"failure_rate"`
	EmptyRate   float64       `koanf:"empty_rate"`
	LogLevel    string        `koanf:"log_level"`
}

// loadConfig reads MOCK_* environment variables over the defaults.
func loadConfig() (mockConfig, error) {
	k := koanf.New(".")
	defaults := mockConfig{
		Port:        "9100",
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  400 * time.Millisecond,
		FailureRate: 0.1,
		EmptyRate:   0.15,
		LogLevel:    "info",
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return mockConfig{}, err
	}
	if err := k.Load(env.Provider("MOCK_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "MOCK_"))
	}), nil); err != nil {
		return mockConfig{}, err
	}

	var cfg mockConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return mockConfig{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: "console"})

	mock := NewMock(Options{
		MinLatency:  cfg.MinLatency,
		MaxLatency:  cfg.MaxLatency,
		FailureRate: cfg.FailureRate,
		EmptyRate:   cfg.EmptyRate,
	}, logger)

	// Configure server
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      mock.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("addr", addr).
			Float64("failure_rate", cfg.FailureRate).
			Dur("max_latency", cfg.MaxLatency).
			Msg("mock flight-offers API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		os.Exit(1)
	}

	logger.Info().Msg("server stopped")
}
