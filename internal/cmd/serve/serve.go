package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/graffitidb/engine/internal/config"
	"github.com/graffitidb/engine/internal/engine"
	"github.com/graffitidb/engine/internal/httpapi"
	"github.com/graffitidb/engine/internal/kvstore"
	"github.com/graffitidb/engine/internal/metrics"
	"github.com/graffitidb/engine/internal/policy"
	"github.com/graffitidb/engine/internal/ratelimit"
	"github.com/graffitidb/engine/internal/sweeper"

	// Blank-imported so each backend's init() registers itself with kvstore.
	_ "github.com/graffitidb/engine/internal/kvstore/mongo"
	_ "github.com/graffitidb/engine/internal/kvstore/postgres"
	_ "github.com/graffitidb/engine/internal/kvstore/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the graffiti engine's HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{
		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS; falls back to a self-signed certificate if tls-cert-file/tls-key-file are unset",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("GRAFFITI_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},

		// ── CORS ──────────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "CORS:",
			Sources:     cli.EnvVars("GRAFFITI_CORS"),
			Destination: &cfg.CORSEnabled,
			Value:       cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "CORS:",
			Sources:     cli.EnvVars("GRAFFITI_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins; empty allows any origin",
		},

		// ── Storage ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Storage:",
			Sources:     cli.EnvVars("GRAFFITI_DB_KIND"),
			Destination: &cfg.Backend,
			Value:       cfg.Backend,
			Usage:       fmt.Sprintf("Storage backend %v", kvstore.Names()),
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Storage:",
			Sources:     cli.EnvVars("GRAFFITI_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Backend connection string (file path for sqlite, DSN for postgres, URI for mongo)",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Storage:",
			Sources:     cli.EnvVars("GRAFFITI_DB_MIGRATE_AT_START"),
			Destination: &cfg.BackendMigrateAtStart,
			Value:       cfg.BackendMigrateAtStart,
			Usage:       "Install/repair schema and indexes on startup",
		},

		// ── Rate limiting ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "rate-limit-backend",
			Category:    "Rate Limiting:",
			Sources:     cli.EnvVars("GRAFFITI_RATE_LIMIT_BACKEND"),
			Destination: &cfg.RateLimitBackend,
			Value:       cfg.RateLimitBackend,
			Usage:       "Continuation rate-limiter state (memory|redis)",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Rate Limiting:",
			Sources:     cli.EnvVars("GRAFFITI_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL, required when rate-limit-backend=redis",
		},
		&cli.DurationFlag{
			Name:        "continue-rate-limit-window",
			Category:    "Rate Limiting:",
			Sources:     cli.EnvVars("GRAFFITI_CONTINUE_RATE_LIMIT_WINDOW"),
			Destination: &cfg.ContinueRateLimitWindow,
			Value:       cfg.ContinueRateLimitWindow,
			Usage:       "Minimum spacing between continuations for the same actor+channel set",
		},

		// ── Schema cache ──────────────────────────────────────────
		&cli.Int64Flag{
			Name:        "schema-cache-max-cost",
			Category:    "Schema Cache:",
			Sources:     cli.EnvVars("GRAFFITI_SCHEMA_CACHE_MAX_COST"),
			Destination: &cfg.SchemaCacheMaxCost,
			Value:       cfg.SchemaCacheMaxCost,
			Usage:       "Compiled JSON-Schema cache capacity (ristretto cost units)",
		},

		// ── Policy ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "policy-bundle",
			Category:    "Policy:",
			Sources:     cli.EnvVars("GRAFFITI_POLICY_BUNDLE"),
			Destination: &cfg.PolicyBundlePath,
			Usage:       "Path to a Rego policy file layered on top of required access control; empty allows everything access control already allows",
		},

		// ── Tombstone sweeper ─────────────────────────────────────
		&cli.DurationFlag{
			Name:        "tombstone-retention",
			Category:    "Tombstone Sweeper:",
			Sources:     cli.EnvVars("GRAFFITI_TOMBSTONE_RETENTION"),
			Destination: &cfg.TombstoneRetention,
			Value:       cfg.TombstoneRetention,
			Usage:       "How long tombstones are kept before being hard-deleted; zero disables the sweeper",
		},
		&cli.DurationFlag{
			Name:        "sweeper-interval",
			Category:    "Tombstone Sweeper:",
			Sources:     cli.EnvVars("GRAFFITI_SWEEPER_INTERVAL"),
			Destination: &cfg.SweeperInterval,
			Value:       cfg.SweeperInterval,
			Usage:       "How often the sweeper runs",
		},
		&cli.IntFlag{
			Name:        "sweeper-batch-size",
			Category:    "Tombstone Sweeper:",
			Sources:     cli.EnvVars("GRAFFITI_SWEEPER_BATCH_SIZE"),
			Destination: &cfg.SweeperBatchSize,
			Value:       cfg.SweeperBatchSize,
			Usage:       "Maximum tombstones purged per sweeper pass",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("GRAFFITI_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	log.Info("server stopped")
	return nil
}

// Server bundles the running listener and background sweeper so the
// caller has a single Shutdown to call.
type Server struct {
	listener *RunningServer
	cancel   context.CancelFunc
}

// Shutdown stops the sweeper and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.listener.Close(ctx)
}

// StartServer wires a backend, the engine, the policy gate, the rate
// limiter, the HTTP router, and (if configured) the tombstone sweeper,
// then starts listening. It returns once the listener is accepting
// connections; callers drive shutdown via the returned Server.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	labels, err := metrics.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}
	metrics.Init(labels)

	loader, err := kvstore.Select(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}
	backend, err := loader(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("serve: opening %s backend: %w", cfg.Backend, err)
	}
	if cfg.BackendMigrateAtStart {
		if err := backend.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("serve: migrating backend: %w", err)
		}
	}

	var policyEngine *policy.Engine
	if cfg.PolicyBundlePath != "" {
		policyEngine, err = policy.NewEngine(ctx, cfg.PolicyBundlePath)
		if err != nil {
			return nil, fmt.Errorf("serve: %w", err)
		}
	}

	var rateLimiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case "redis":
		rateLimiter, err = ratelimit.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("serve: %w", err)
		}
	default:
		rateLimiter = ratelimit.NewLocal()
	}

	eng, err := engine.New(engine.Options{
		Backend:         backend,
		PolicyEngine:    policyEngine,
		RateLimiter:     rateLimiter,
		ContinueBuffer:  cfg.ContinueRateLimitWindow,
		SchemaCacheCost: cfg.SchemaCacheMaxCost,
		NewRevision:     kvstore.NewRevision,
	})
	if err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	if cfg.TombstoneRetention > 0 {
		sw := sweeper.New(backend, cfg.SweeperInterval, cfg.TombstoneRetention, cfg.SweeperBatchSize, cfg.SweeperPurgeDelay)
		go sw.Start(sweepCtx)
	}

	if cfg.Mode != config.ModeTesting {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpapi.MountRoutes(router, eng, httpapi.AuthMiddleware(nil))

	running, err := StartListener(ctx, cfg.Listener, router)
	if err != nil {
		cancelSweep()
		return nil, fmt.Errorf("serve: %w", err)
	}
	log.Info("listening", "addr", running.Addr)

	return &Server{listener: running, cancel: cancelSweep}, nil
}
