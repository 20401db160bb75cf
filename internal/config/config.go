// Package config loads console settings from TUKTUK_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds runtime settings.
type Config struct {
	HTTPAddr     string
	GRPCAddr     string
	Backend      string
	PGDSN        string
	AuthSecret   string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	FunctionsURL string
	RidesLimit   int
	RateBurst    int
	RatePerSec   float64
	Migrations   string
	Seeds        string
}

// LoadEnvFile reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the environment. Malformed values are
// reported; missing values fall back to defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		HTTPAddr:     str("TUKTUK_HTTP_ADDR", ":8080"),
		GRPCAddr:     str("TUKTUK_GRPC_ADDR", ":9090"),
		Backend:      strings.ToLower(str("TUKTUK_BACKEND", BackendPostgres)),
		PGDSN:        str("TUKTUK_PG_DSN", ""),
		AuthSecret:   str("TUKTUK_AUTH_SECRET", ""),
		RedisAddr:    str("TUKTUK_REDIS_ADDR", ""),
		RedisPass:    str("TUKTUK_REDIS_PASSWORD", ""),
		FunctionsURL: str("TUKTUK_FUNCTIONS_URL", ""),
		Migrations:   str("TUKTUK_MIGRATIONS", ""),
		Seeds:        str("TUKTUK_SEEDS", ""),
	}
	cfg.AccessTTL = duration("TUKTUK_ACCESS_TTL", time.Hour, &errs)
	cfg.RefreshTTL = duration("TUKTUK_REFRESH_TTL", 30*24*time.Hour, &errs)
	cfg.RedisDB = integer("TUKTUK_REDIS_DB", 0, &errs)
	cfg.RidesLimit = integer("TUKTUK_RIDES_LIMIT", 50, &errs)
	cfg.RateBurst = integer("TUKTUK_RATE_BURST", 200, &errs)
	cfg.RatePerSec = float("TUKTUK_RATE_PER_SEC", 100, &errs)
	return cfg, errors.Join(errs...)
}

// Validate reports settings the selected backend cannot run without.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("TUKTUK_PG_DSN is required for the postgres backend"))
		}
		if c.AuthSecret == "" {
			errs = append(errs, errors.New("TUKTUK_AUTH_SECRET is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("TUKTUK_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Backend))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("TUKTUK_HTTP_ADDR must not be empty"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if c.RidesLimit <= 0 {
		errs = append(errs, errors.New("TUKTUK_RIDES_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func integer(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func float(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}
