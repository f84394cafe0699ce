package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIngest(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_WEBHOOK_PROVIDERS", "github,stripe")

	cfg, err := LoadIngest()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"github", "stripe"}, cfg.Providers)
	assert.Empty(t, cfg.RetentionPolicy)
}

func TestLoadIngest_RequiresProviders(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_WEBHOOK_PROVIDERS", "")

	_, err := LoadIngest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_WEBHOOK_PROVIDERS")
}

func TestLoadIngest_RejectsUnknownRetentionPolicy(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_WEBHOOK_PROVIDERS", "github")
	t.Setenv("CONVEYOR_REJECTION_RETENTION", "forever")

	_, err := LoadIngest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_REJECTION_RETENTION")
}

func TestLoadWorker_Defaults(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")

	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.ClaimLease)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.ReapInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.IdempotencyRetention)
}

func TestLoadWorker_Overrides(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_POLL_INTERVAL", "250ms")
	t.Setenv("CONVEYOR_BATCH_SIZE", "50")
	t.Setenv("CONVEYOR_CLAIM_LEASE", "2m")

	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.ClaimLease)
}

func TestLoadWorker_ReapIntervalMustUndercutLease(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_CLAIM_LEASE", "10s")
	t.Setenv("CONVEYOR_REAP_INTERVAL", "30s")

	_, err := LoadWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_REAP_INTERVAL")
}

func TestLoadWorker_RoutingDefaults(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")

	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, "drain_first", cfg.Selection)
	assert.Equal(t, "static", cfg.Discovery)
	assert.Equal(t, time.Minute, cfg.DiscoveryInterval)
}

func TestLoadWorker_RejectsUnknownSelection(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_DB_SELECTION", "shortest-queue")

	_, err := LoadWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_DB_SELECTION")
}

func TestLoadWorker_RejectsUnknownDiscovery(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DSN", "postgres://localhost/conveyor")
	t.Setenv("CONVEYOR_DB_DISCOVERY", "dns")

	_, err := LoadWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_DB_DISCOVERY")
}

func TestWorkerConfig_Targets(t *testing.T) {
	cfg := &WorkerConfig{Database: DatabaseConfig{DSN: "postgres://localhost/primary"}}

	targets, err := cfg.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "primary", targets[0].Name)

	cfg.ExtraDatabases = []string{"tenant-a=postgres://localhost/a", "tenant-b=postgres://localhost/b"}
	targets, err = cfg.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "tenant-a", targets[1].Name)
	assert.Equal(t, "postgres://localhost/b", targets[2].DSN)

	cfg.ExtraDatabases = []string{"no-dsn"}
	_, err = cfg.Targets()
	assert.Error(t, err)

	cfg.ExtraDatabases = []string{"primary=postgres://localhost/other"}
	_, err = cfg.Targets()
	assert.Error(t, err, "the primary name is reserved")
}

func TestDatabaseConfig_Validate(t *testing.T) {
	err := DatabaseConfig{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONVEYOR_DB_DSN")

	assert.NoError(t, DatabaseConfig{DSN: "postgres://localhost/conveyor"}.Validate())
}

func TestLoadProbe_DefaultBaseURL(t *testing.T) {
	t.Setenv("CONVEYOR_HEALTH_URL", "")

	cfg, err := LoadProbe()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8081", cfg.BaseURL)

	t.Setenv("CONVEYOR_HEALTH_URL", "http://worker.internal:8081")
	cfg, err = LoadProbe()
	require.NoError(t, err)
	assert.Equal(t, "http://worker.internal:8081", cfg.BaseURL)
}
