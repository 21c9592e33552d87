package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults, an optional .env file and the environment.
// The cache TTL is fixed and never read from the environment.
func Load(envFiles ...string) (*ProxyConfig, error) {
	// A missing .env file is not an error
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := DefaultProxyConfig()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Upstream.RefererURL = getEnv("REFERER_URL", cfg.Upstream.RefererURL)
	cfg.Upstream.Origin = getEnv("UPSTREAM_ORIGIN", cfg.Upstream.Origin)
	cfg.Upstream.UserAgent = getEnv("UPSTREAM_USER_AGENT", cfg.Upstream.UserAgent)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	var err error
	if cfg.Upstream.Timeout, err = getDuration("UPSTREAM_TIMEOUT", cfg.Upstream.Timeout); err != nil {
		return nil, err
	}
	if cfg.Cache.SweepInterval, err = getDuration("CACHE_SWEEP_INTERVAL", cfg.Cache.SweepInterval); err != nil {
		return nil, err
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	return cfg, cfg.Validate()
}

// Validate checks the values that would otherwise fail at request time
func (c *ProxyConfig) Validate() error {
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %s", c.Upstream.Timeout)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache sweep interval must not be negative, got %s", c.Cache.SweepInterval)
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
