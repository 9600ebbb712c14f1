package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the graffiti engine.
type Config struct {
	// Mode controls ambient behavior: "prod" (default) or "testing".
	Mode string

	// Backend selects the kvstore implementation: "sqlite", "postgres", or "mongo".
	Backend string

	// DBURL is the backend-specific connection string (file path for sqlite,
	// DSN for postgres, connection URI for mongo).
	DBURL string

	// BackendMigrateAtStart installs materialized-view indexes on startup.
	BackendMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// RateLimitBackend selects where continuation cursor rate-limit state lives:
	// "memory" (single process) or "redis" (shared across replicas).
	RateLimitBackend string
	RedisURL         string

	// ContinuePageSize and ContinueRateLimit are carried in the config but
	// read by no component: continuation results are not paged, and the
	// number of continuations per actor is not capped.
	ContinuePageSize  int
	ContinueRateLimit int
	// ContinueRateLimitWindow is the continueBuffer: the minimum spacing
	// between continuations for the same actor+channel set.
	ContinueRateLimitWindow time.Duration

	// SchemaCacheMaxCost bounds the compiled-schema cache (ristretto cost units).
	SchemaCacheMaxCost int64

	// Policy bundle: optional path to a Rego policy file overriding the default
	// allow-all-visible-then-narrow gate. Empty disables the supplementary check.
	PolicyBundlePath string

	// TombstoneRetention controls how long deleted objects are kept before the
	// optional sweeper purges them. Zero disables the sweeper.
	TombstoneRetention time.Duration
	SweeperInterval    time.Duration
	SweeperBatchSize   int
	SweeperPurgeDelay  time.Duration

	// Server
	Listener    ListenerConfig
	CORSEnabled bool
	CORSOrigins string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Defaults to "service=graffiti".
	MetricsLabels string

	// Body size limit (bytes)
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		Backend:                 "sqlite",
		BackendMigrateAtStart:   true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		RateLimitBackend:        "memory",
		ContinuePageSize:        200,
		ContinueRateLimit:       60,
		ContinueRateLimitWindow: 2 * time.Second,
		SchemaCacheMaxCost:      1 << 20,
		TombstoneRetention:      0,
		SweeperInterval:         10 * time.Minute,
		SweeperBatchSize:        1000,
		SweeperPurgeDelay:       50 * time.Millisecond,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MetricsLabels: "service=graffiti",
		MaxBodySize:   8 * 1024 * 1024,
		DrainTimeout:  30,
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
