// Package config defines the per-binary configuration structs, loaded from
// CONVEYOR_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rowanlabs/conveyor/internal/env"
)

// DatabaseConfig is the connection configuration shared by every binary.
type DatabaseConfig struct {
	DSN             string        `env:"CONVEYOR_DB_DSN"`
	MaxOpenConns    int           `env:"CONVEYOR_DB_MAX_OPEN_CONNS"`
	MinIdleConns    int           `env:"CONVEYOR_DB_MIN_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CONVEYOR_DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"CONVEYOR_DB_CONN_MAX_IDLE_TIME"`
	SkipMigrations  bool          `env:"CONVEYOR_DB_SKIP_MIGRATIONS"`
}

// Validate checks required fields.
func (c DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("CONVEYOR_DB_DSN is required")
	}
	return nil
}

// ObservabilityConfig controls OpenTelemetry export.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"CONVEYOR_OTEL_ENABLED"`
	ServiceName string `env:"CONVEYOR_SERVICE_NAME"`
}

// IngestConfig configures the webhook ingest server.
type IngestConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	HTTPPort string `env:"CONVEYOR_HTTP_PORT"`
	// Providers lists the webhook sources served, e.g. "github,stripe".
	// Each provider P reads its signing secret from
	// CONVEYOR_WEBHOOK_SECRET_<P>.
	Providers []string `env:"CONVEYOR_WEBHOOK_PROVIDERS"`
	// RetentionPolicy is one of none, envelope, redacted_metadata.
	RetentionPolicy string `env:"CONVEYOR_REJECTION_RETENTION"`
	MaxBodyBytes    int64  `env:"CONVEYOR_MAX_BODY_BYTES"`
}

// LoadIngest parses and validates the ingest configuration.
func LoadIngest() (*IngestConfig, error) {
	cfg := &IngestConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8080"
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("CONVEYOR_WEBHOOK_PROVIDERS is required")
	}
	switch cfg.RetentionPolicy {
	case "", "none", "envelope", "redacted_metadata":
	default:
		return nil, fmt.Errorf("unknown CONVEYOR_REJECTION_RETENTION: %s", cfg.RetentionPolicy)
	}
	return cfg, nil
}

// WorkerConfig configures the background worker process.
type WorkerConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	HTTPPort string `env:"CONVEYOR_HTTP_PORT"`

	// ExtraDatabases lists additional databases served by this worker, each
	// entry given as "name=dsn". The primary DSN is always registered under
	// the name "primary".
	ExtraDatabases []string `env:"CONVEYOR_DB_EXTRA_DSNS"`
	// Selection orders cross-database claim sweeps: drain_first empties one
	// database before moving on, round_robin rotates every sweep.
	Selection string `env:"CONVEYOR_DB_SELECTION"`
	// Discovery picks where the database set comes from: static (the DSN
	// env vars) or directory (the primary's directory table, refreshed on
	// DiscoveryInterval).
	Discovery         string        `env:"CONVEYOR_DB_DISCOVERY"`
	DiscoveryInterval time.Duration `env:"CONVEYOR_DB_DISCOVERY_INTERVAL"`

	PollInterval   time.Duration `env:"CONVEYOR_POLL_INTERVAL"`
	BatchSize      int           `env:"CONVEYOR_BATCH_SIZE"`
	ClaimLease     time.Duration `env:"CONVEYOR_CLAIM_LEASE"`
	MaxAttempts    int           `env:"CONVEYOR_MAX_ATTEMPTS"`
	ReapInterval   time.Duration `env:"CONVEYOR_REAP_INTERVAL"`
	StuckThreshold time.Duration `env:"CONVEYOR_STUCK_THRESHOLD"`

	IdempotencyRetention  time.Duration `env:"CONVEYOR_IDEMPOTENCY_RETENTION"`
	IdempotencyGCInterval time.Duration `env:"CONVEYOR_IDEMPOTENCY_GC_INTERVAL"`

	WatchdogScanPeriod      time.Duration `env:"CONVEYOR_WATCHDOG_SCAN_PERIOD"`
	WatchdogHeartbeatPeriod time.Duration `env:"CONVEYOR_WATCHDOG_HEARTBEAT_PERIOD"`
}

// LoadWorker parses and validates the worker configuration, filling
// defaults for unset knobs.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8081"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReapInterval <= 0 {
		// Must stay below the shortest claim lease in use.
		cfg.ReapInterval = 10 * time.Second
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 15 * time.Minute
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = 7 * 24 * time.Hour
	}
	if cfg.IdempotencyGCInterval <= 0 {
		cfg.IdempotencyGCInterval = time.Hour
	}
	if cfg.WatchdogScanPeriod <= 0 {
		cfg.WatchdogScanPeriod = time.Minute
	}
	if cfg.WatchdogHeartbeatPeriod <= 0 {
		cfg.WatchdogHeartbeatPeriod = 15 * time.Second
	}

	if cfg.Selection == "" {
		cfg.Selection = "drain_first"
	}
	switch cfg.Selection {
	case "drain_first", "round_robin":
	default:
		return nil, fmt.Errorf("unknown CONVEYOR_DB_SELECTION: %s", cfg.Selection)
	}
	if cfg.Discovery == "" {
		cfg.Discovery = "static"
	}
	switch cfg.Discovery {
	case "static", "directory":
	default:
		return nil, fmt.Errorf("unknown CONVEYOR_DB_DISCOVERY: %s", cfg.Discovery)
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = time.Minute
	}

	if cfg.ReapInterval >= cfg.ClaimLease {
		return nil, fmt.Errorf("CONVEYOR_REAP_INTERVAL must be below CONVEYOR_CLAIM_LEASE")
	}
	return cfg, nil
}

// DBTarget is one named database the worker serves.
type DBTarget struct {
	Name string
	DSN  string
}

// Targets returns the primary database plus any extras.
func (c *WorkerConfig) Targets() ([]DBTarget, error) {
	targets := []DBTarget{{Name: "primary", DSN: c.Database.DSN}}
	for _, raw := range c.ExtraDatabases {
		name, dsn, ok := strings.Cut(raw, "=")
		if !ok || name == "" || dsn == "" {
			return nil, fmt.Errorf("malformed CONVEYOR_DB_EXTRA_DSNS entry %q, want name=dsn", raw)
		}
		if name == "primary" {
			return nil, fmt.Errorf(`CONVEYOR_DB_EXTRA_DSNS must not redefine "primary"`)
		}
		targets = append(targets, DBTarget{Name: name, DSN: dsn})
	}
	return targets, nil
}

// ProbeConfig configures the healthprobe binary.
type ProbeConfig struct {
	// BaseURL is the health endpoint root of the probed process.
	BaseURL string `env:"CONVEYOR_HEALTH_URL"`
}

// LoadProbe parses the probe configuration.
func LoadProbe() (*ProbeConfig, error) {
	cfg := &ProbeConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8081"
	}
	return cfg, nil
}
