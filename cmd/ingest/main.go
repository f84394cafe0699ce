// The ingest binary serves the webhook fast-ack path and health endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rowanlabs/conveyor/internal/config"
	"github.com/rowanlabs/conveyor/internal/health"
	"github.com/rowanlabs/conveyor/internal/inbox"
	"github.com/rowanlabs/conveyor/internal/observability"
	"github.com/rowanlabs/conveyor/internal/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadIngest()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown, "meter provider")

	slog.InfoContext(ctx, "starting ingest service", "providers", cfg.Providers)

	latch := health.NewStartupLatch()
	dbStep := latch.Register("database")

	pool, err := postgres.NewPool(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MinIdleConns:    cfg.Database.MinIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		SkipMigrations:  cfg.Database.SkipMigrations,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	dbStep.Done()

	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.Database.DSN))

	authenticators := make(map[string]inbox.Authenticator, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		secret := os.Getenv("CONVEYOR_WEBHOOK_SECRET_" + strings.ToUpper(provider))
		auth, err := inbox.NewHMACAuthenticator([]byte(secret))
		if err != nil {
			return fmt.Errorf("provider %q: %w", provider, err)
		}
		authenticators[provider] = auth
	}

	var ingestOpts []inbox.IngestorOption
	if cfg.MaxBodyBytes > 0 {
		ingestOpts = append(ingestOpts, inbox.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	if cfg.RetentionPolicy != "" && cfg.RetentionPolicy != string(inbox.RetentionNone) {
		ingestOpts = append(ingestOpts,
			inbox.WithRetention(inbox.RetentionPolicy(cfg.RetentionPolicy), inbox.SlogRejectionSink{}))
	}

	ingestor, err := inbox.NewIngestor(
		postgres.NewInboxStore(pool),
		inbox.NewHeaderClassifier(),
		authenticators,
		ingestOpts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}

	registry := health.NewRegistry(latch)
	if err := registry.Add(health.Check{
		Name:    "postgres",
		Buckets: []health.Bucket{health.BucketDep},
		Run: health.NewCachedCheck(func(ctx context.Context) health.Result {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return health.Unhealthy(fmt.Sprintf("ping failed: %v", err))
			}
			return health.Healthy("connected")
		}, health.CacheTTLs{Healthy: 10 * time.Second, Unhealthy: 2 * time.Second}).Run,
	}); err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	health.NewHandler(registry).Mount(router)
	router.Mount("/", ingestor.Routes())

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "ingest server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "server shutdown timed out", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

func shutdownProvider(shutdown func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown "+name, "error", err)
	}
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
