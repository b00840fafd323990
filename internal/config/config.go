// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Supported transports.
const (
	TransportGobwas  = "gobwas"
	TransportGorilla = "gorilla"
)

// Config holds server settings.
type Config struct {
	Addr              string        `env:"ADDR" default:":8080"`
	Transport         string        `env:"TRANSPORT" default:"gobwas"`
	LogLevel          string        `env:"LOG_LEVEL" default:"info"`
	LogFormat         string        `env:"LOG_FORMAT" default:"console"`
	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" default:"30s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" default:"10s"`
	FanoutLimit       int           `env:"FANOUT_LIMIT" default:"0"`
	// AdminEnabled exposes the /admin API. It has no authentication.
	AdminEnabled      bool          `env:"ADMIN_ENABLED" default:"false"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env file is not an error; the environment alone is enough.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Addr == "" {
		return errors.New("ADDR is required")
	}

	switch cfg.Transport {
	case TransportGobwas, TransportGorilla:
	default:
		return fmt.Errorf("TRANSPORT must be %q or %q, got %q", TransportGobwas, TransportGorilla, cfg.Transport)
	}

	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", cfg.LogFormat)
	}

	if cfg.KeepAliveInterval <= 0 {
		return errors.New("KEEPALIVE_INTERVAL must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("WRITE_TIMEOUT must be positive")
	}
	if cfg.FanoutLimit < 0 {
		return errors.New("FANOUT_LIMIT must not be negative")
	}

	return nil
}
