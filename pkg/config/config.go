// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ecb-series-client/pkg/series"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ErrInvalidConfig is returned when the environment holds an unusable value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

var validate = validator.New()

// Config is the process configuration.
type Config struct {
	// Upstream
	BaseURL     string        `validate:"required,url"`
	UserAgent   string        `validate:"required"`
	HTTPTimeout time.Duration `validate:"gt=0"`

	// Rate limiting: RateLimit requests per RateWindow, spaced by MinInterval.
	RateLimit   int           `validate:"gt=0"`
	RateWindow  time.Duration `validate:"gt=0"`
	MinInterval time.Duration `validate:"gte=0"`

	// Retry
	MaxRetries     int           `validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`

	// Store
	StoreBackend   string `validate:"oneof=memory badger redis"`
	BadgerPath     string `validate:"required_if=StoreBackend badger"`
	RedisAddr      string `validate:"required_if=StoreBackend redis"`
	RedisDB        int    `validate:"gte=0"`
	RedisNamespace string

	// Cache
	MaxAge           time.Duration `validate:"gt=0"`
	SyncLookbackDays int           `validate:"gt=0"`
	RefreshTimeout   time.Duration `validate:"gt=0"`
	MaxConcurrency   int           `validate:"gt=0"`

	// RefreshInterval of the background refresh; 0 disables it.
	RefreshInterval time.Duration `validate:"gte=0"`

	// Series refreshed in the background; empty means the whole catalog.
	Series []series.Key

	// Logging
	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogPretty bool

	Port string `validate:"required,numeric"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		BaseURL:          "https://data-api.ecb.europa.eu/service/data",
		UserAgent:        "ecb-series-client/0.1.0",
		HTTPTimeout:      30 * time.Second,
		RateLimit:        10,
		RateWindow:       time.Minute,
		MinInterval:      0,
		MaxRetries:       3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		StoreBackend:     BackendBadger,
		BadgerPath:       "./data/badger",
		RedisAddr:        "localhost:6379",
		RedisNamespace:   "ecb",
		MaxAge:           time.Hour,
		SyncLookbackDays: 365,
		RefreshTimeout:   2 * time.Minute,
		MaxConcurrency:   4,
		RefreshInterval:  time.Hour,
		LogLevel:         "info",
		Port:             "8080",
	}
}

// Load reads the configuration from the environment. The given dotenv files
// (".env" when none are given) are loaded first; variables already set in
// the environment take precedence.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := Default()
	var errs []error

	cfg.BaseURL = getenvDefault("ECB_BASE_URL", cfg.BaseURL)
	cfg.UserAgent = getenvDefault("ECB_USER_AGENT", cfg.UserAgent)
	cfg.HTTPTimeout = getenvDuration("ECB_HTTP_TIMEOUT", cfg.HTTPTimeout, &errs)

	cfg.RateLimit = getenvInt("ECB_RATE_LIMIT", cfg.RateLimit, &errs)
	cfg.RateWindow = getenvDuration("ECB_RATE_WINDOW", cfg.RateWindow, &errs)
	cfg.MinInterval = getenvDuration("ECB_MIN_INTERVAL", cfg.MinInterval, &errs)

	cfg.MaxRetries = getenvInt("ECB_MAX_RETRIES", cfg.MaxRetries, &errs)
	cfg.InitialBackoff = getenvDuration("ECB_INITIAL_BACKOFF", cfg.InitialBackoff, &errs)
	cfg.MaxBackoff = getenvDuration("ECB_MAX_BACKOFF", cfg.MaxBackoff, &errs)

	cfg.StoreBackend = strings.ToLower(getenvDefault("STORE_BACKEND", cfg.StoreBackend))
	cfg.BadgerPath = getenvDefault("BADGER_PATH", cfg.BadgerPath)
	cfg.RedisAddr = getenvDefault("REDIS_URL", cfg.RedisAddr)
	cfg.RedisDB = getenvInt("REDIS_DB", cfg.RedisDB, &errs)
	cfg.RedisNamespace = getenvDefault("REDIS_NAMESPACE", cfg.RedisNamespace)

	cfg.MaxAge = getenvDuration("CACHE_MAX_AGE", cfg.MaxAge, &errs)
	cfg.SyncLookbackDays = getenvInt("SYNC_LOOKBACK_DAYS", cfg.SyncLookbackDays, &errs)
	cfg.RefreshTimeout = getenvDuration("REFRESH_TIMEOUT", cfg.RefreshTimeout, &errs)
	cfg.MaxConcurrency = getenvInt("REFRESH_CONCURRENCY", cfg.MaxConcurrency, &errs)
	cfg.RefreshInterval = getenvDuration("REFRESH_INTERVAL", cfg.RefreshInterval, &errs)
	cfg.Series = parseSeries(os.Getenv("SERIES"))

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogPretty = getenvBool("LOG_PRETTY", cfg.LogPretty, &errs)
	cfg.Port = getenvDefault("PORT", cfg.Port)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and series key formats.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, k := range c.Series {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("%w: SERIES: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func parseSeries(v string) []series.Key {
	var keys []series.Key
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, series.Key(part))
		}
	}
	return keys
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
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

func getenvBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}
