// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - AUTH_RATE_LIMIT: failed auth attempts allowed per IP per minute
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - MAX_BATCH_SIZE: max flag names per batch evaluation
//     (default "100", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net snapshot refresh interval
//     (default "1m", must be > 0 if set).
//   - NOTIFY_CHANNEL: Postgres LISTEN/NOTIFY channel (default "flag_changes").
//   - MIGRATE_ON_START: apply embedded migrations at startup (default "true").
//   - SHUTDOWN_TIMEOUT: grace period for in-flight requests (default "10s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/rollout/internal/logging"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultMaxBatchSize              = 100
	defaultCacheResyncInterval       = time.Minute
	defaultNotifyChannel             = "flag_changes"
	defaultShutdownTimeout           = 10 * time.Second
)

// Config holds the runtime configuration for the rollout server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	LogLevel            string
	LogFormat           logging.Format
	AuthRateLimit       int
	MaxJSONBodySize     int64
	MaxBatchSize        int
	CacheResyncInterval time.Duration
	NotifyChannel       string
	MigrateOnStart      bool
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	maxBatchSize, err := positiveInt("MAX_BATCH_SIZE", defaultMaxBatchSize)
	if err != nil {
		return Config{}, err
	}

	cacheResyncInterval, err := positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := positiveDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := logging.ParseFormat(os.Getenv("LOG_FORMAT"))
	if err != nil {
		return Config{}, fmt.Errorf("parse LOG_FORMAT: %w", err)
	}

	migrateOnStart := true
	if v := strings.TrimSpace(os.Getenv("MIGRATE_ON_START")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MIGRATE_ON_START: %w", err)
		}
		migrateOnStart = parsed
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           logFormat,
		AuthRateLimit:       authRateLimit,
		MaxJSONBodySize:     maxJSONBodySize,
		MaxBatchSize:        maxBatchSize,
		CacheResyncInterval: cacheResyncInterval,
		NotifyChannel:       envOrDefault("NOTIFY_CHANNEL", defaultNotifyChannel),
		MigrateOnStart:      migrateOnStart,
		ShutdownTimeout:     shutdownTimeout,
	}, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
