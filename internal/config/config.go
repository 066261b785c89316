// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAddr            = ":8080"
	defaultAccessTTL       = 15 * time.Minute
	defaultRefreshTTL      = 24 * time.Hour
	defaultShutdownTimeout = 10 * time.Second
	defaultDisplayZone     = "Asia/Yangon"
	defaultRateBurst       = 20
	defaultRatePerSec      = 10
)

// Config captures application runtime configuration loaded from
// environment variables.
type Config struct {
	Addr            string
	DatabaseDSN     string
	AuthSecret      string
	TokenIssuer     string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	DisplayZone     string
	RateBurst       int
	RatePerSec      int
	ShutdownTimeout time.Duration
}

// Load reads configuration values from the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("IDGATE_ADDR", defaultAddr),
		DatabaseDSN:     os.Getenv("IDGATE_PG_DSN"),
		AuthSecret:      os.Getenv("IDGATE_AUTH_SECRET"),
		TokenIssuer:     getEnv("IDGATE_TOKEN_ISSUER", "idgate"),
		AccessTTL:       defaultAccessTTL,
		RefreshTTL:      defaultRefreshTTL,
		DisplayZone:     getEnv("IDGATE_DISPLAY_ZONE", defaultDisplayZone),
		RateBurst:       defaultRateBurst,
		RatePerSec:      defaultRatePerSec,
		ShutdownTimeout: defaultShutdownTimeout,
	}

	var err error
	if cfg.AccessTTL, err = durationEnv("IDGATE_ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = durationEnv("IDGATE_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("IDGATE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = intEnv("IDGATE_RATE_BURST", cfg.RateBurst); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSec, err = intEnv("IDGATE_RATE_PER_SEC", cfg.RatePerSec); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return Config{}, fmt.Errorf("IDGATE_AUTH_SECRET must be set")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
