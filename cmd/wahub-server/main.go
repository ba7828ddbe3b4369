package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wahub/wahub/internal/config"
	"github.com/wahub/wahub/internal/domain/connection"
	"github.com/wahub/wahub/internal/domain/subscription"
	"github.com/wahub/wahub/internal/platform/auth"
	"github.com/wahub/wahub/internal/platform/db"
	"github.com/wahub/wahub/internal/platform/middleware"
	"github.com/wahub/wahub/internal/platform/telemetry"
	"github.com/wahub/wahub/internal/platform/uazapi"
	"github.com/wahub/wahub/internal/platform/webhook"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	scopeShared = "shared"
	scopeTenant = "tenant"

	relayBodyLimit = "1M"
	apiBodyLimit   = "256K"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wahub-server",
		Short: "WhatsApp connection panel API and webhook relay",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "wahub-server",
	})
}

// scopeDir returns the migrations directory for scope. An explicit dir wins.
func scopeDir(base, scope, dir string) (string, error) {
	if scope != scopeShared && scope != scopeTenant {
		return "", fmt.Errorf("unknown scope %q (want %s or %s)", scope, scopeShared, scopeTenant)
	}
	if dir != "" {
		return dir, nil
	}
	return filepath.Join(base, scope), nil
}

// targetSchemas lists the schemas a migrate command acts on. Tenant scope
// without --schema means every tenant schema in the database.
func targetSchemas(ctx context.Context, pool *pgxpool.Pool, scope, schema string) ([]string, error) {
	if scope == scopeShared {
		return []string{db.SharedSchema}, nil
	}
	if schema != "" {
		return []string{schema}, nil
	}
	return db.TenantSchemas(ctx, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			schema, _ := cmd.Flags().GetString("schema")
			dirFlag, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir, err := scopeDir(cfg.MigrationsDir, scope, dirFlag)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env)
			if scope == scopeShared {
				count, err := db.EnsureSharedSchema(ctx, pool, dir)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) to %s.\n", count, db.SharedSchema)
				return nil
			}

			schemas, err := targetSchemas(ctx, pool, scope, schema)
			if err != nil {
				return err
			}
			migrator := db.NewMigrator(pool, dir).WithLogger(logger)
			for _, s := range schemas {
				fmt.Printf("Running migrations on schema: %s\n", s)
				count, err := migrator.Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migration failed on %s: %w", s, err)
				}
				fmt.Printf("Applied %d migration(s) to %s.\n", count, s)
			}
			return nil
		},
	}
	upCmd.Flags().String("scope", scopeTenant, "Migration scope: shared or tenant")
	upCmd.Flags().String("schema", "", "Tenant schema to migrate (default: all tenant schemas)")
	upCmd.Flags().String("dir", "", "Migrations directory (default: MIGRATIONS_DIR/<scope>)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			schema, _ := cmd.Flags().GetString("schema")
			dirFlag, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir, err := scopeDir(cfg.MigrationsDir, scope, dirFlag)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas, err := targetSchemas(ctx, pool, scope, schema)
			if err != nil {
				return err
			}
			migrator := db.NewMigrator(pool, dir)
			for _, s := range schemas {
				statuses, err := migrator.Status(ctx, s)
				if err != nil {
					return fmt.Errorf("failed to get migration status for %s: %w", s, err)
				}
				printStatus(s, statuses)
			}
			return nil
		},
	}
	statusCmd.Flags().String("scope", scopeTenant, "Migration scope: shared or tenant")
	statusCmd.Flags().String("schema", "", "Tenant schema to inspect (default: all tenant schemas)")
	statusCmd.Flags().String("dir", "", "Migrations directory (default: MIGRATIONS_DIR/<scope>)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(schema string, statuses []db.MigrationStatus) {
	fmt.Printf("Migration status for schema: %s\n", schema)
	fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Println("---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply tenant migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant name %q: use letters, digits and underscores", name)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := provisionTenant(ctx, pool, cfg.MigrationsDir, name); err != nil {
				return err
			}
			fmt.Printf("Tenant %s created in schema %s.\n", name, db.SchemaName(name))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits, underscores)")

	cmd.AddCommand(createCmd)
	return cmd
}

// provisionTenant makes sure the shared schema is current, then creates and
// migrates the tenant schema.
func provisionTenant(ctx context.Context, pool *pgxpool.Pool, migrationsDir, tenantID string) error {
	if _, err := db.EnsureSharedSchema(ctx, pool, filepath.Join(migrationsDir, scopeShared)); err != nil {
		return err
	}
	return db.CreateTenantSchema(ctx, pool, tenantID, filepath.Join(migrationsDir, scopeTenant))
}

// serverDeps are the process-wide collaborators of the HTTP server.
type serverDeps struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	metrics    *telemetry.Provider
	provider   *uazapi.Client
	resolver   webhook.Resolver
	apiLimiter middleware.Limiter
}

func apiRateConfig(cfg *config.Config) middleware.RateLimitConfig {
	return middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
}

// newAPILimiter returns a Redis-backed limiter when REDIS_URL is set and
// reachable, an in-process one otherwise. closeFn releases the Redis client.
func newAPILimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (limiter middleware.Limiter, closeFn func()) {
	if cfg.RedisURL != "" {
		rdb, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			logger.Info().Msg("rate limiting backed by redis")
			return middleware.NewRedisLimiter(rdb, "wahub:ratelimit:api", apiRateConfig(cfg)), func() { rdb.Close() }
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-process rate limiting")
	}
	return middleware.NewLocalLimiter(apiRateConfig(cfg)), func() {}
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "version": version})
}

func newRouter(d serverDeps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(d.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	e.GET("/health", healthHandler)
	e.GET("/health/db", db.HealthHandler(d.pool))
	e.GET("/metrics", d.metrics.Handler())

	// Provider callbacks: no auth or tenant middleware, the code resolves
	// the tenant.
	relay := e.Group(strings.TrimSuffix(auth.RelayPathPrefix, "/"),
		middleware.BodyLimit(relayBodyLimit),
	)
	forwarder := webhook.NewForwarder(cfg.RelayTimeout)
	webhook.NewRelayHandler(d.resolver, forwarder, d.metrics, logger).RegisterRoutes(relay)

	// Tenant API
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Logger:     logger,
	})
	authMW := jwtMW
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(cfg.DefaultTenant, jwtMW)
	}

	apiV1 := e.Group("/api/v1",
		middleware.RequestTimeout(cfg.UazapiTimeout+10*time.Second),
		middleware.BodyLimit(apiBodyLimit),
		authMW,
		middleware.RateLimit(d.apiLimiter, middleware.KeyByIP, apiRateConfig(cfg), logger),
		db.TenantMiddleware(d.pool, cfg.DefaultTenant),
	)

	connRepo := connection.NewRepoPG(d.pool)
	connSvc := connection.NewService(connRepo, d.provider, logger)
	subSvc := subscription.NewService(subscription.NewRepoPG(d.pool), connRepo, d.provider, cfg.RelayURL, logger)
	subSvc.SetObserver(d.metrics)
	connSvc.SetHook(subSvc)

	connection.NewHandler(connSvc).RegisterRoutes(apiV1)
	subscription.NewHandler(subSvc).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.IsDev() {
		if err := provisionTenant(ctx, pool, cfg.MigrationsDir, cfg.DefaultTenant); err != nil {
			logger.Fatal().Err(err).Msg("failed to provision development tenant")
		}
	}

	metrics := telemetry.NewProvider(telemetry.Config{ServiceVersion: version, Environment: cfg.Env})
	metrics.RegisterPool(pool)

	apiLimiter, closeLimiter := newAPILimiter(ctx, cfg, logger)
	defer closeLimiter()

	provider := uazapi.New(cfg.UazapiBaseURL, cfg.UazapiTimeout,
		uazapi.WithLogger(logger),
		uazapi.WithObserver(metrics),
	)

	e := newRouter(serverDeps{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		metrics:    metrics,
		provider:   provider,
		resolver:   subscription.NewRelayResolver(pool),
		apiLimiter: apiLimiter,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("public_base_url", cfg.PublicBaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	// in-flight relays may be waiting on a subscriber for RELAY_TIMEOUT
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RelayTimeout+5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
