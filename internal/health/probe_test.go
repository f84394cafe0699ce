package health

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := ParseProbeArgs([]string{"ready"})
		require.NoError(t, err)
		assert.Equal(t, BucketReady, opts.Bucket)
		assert.Equal(t, 5*time.Second, opts.Timeout)
		assert.False(t, opts.IncludeData)
		assert.False(t, opts.JSON)
	})

	t.Run("flags", func(t *testing.T) {
		opts, err := ParseProbeArgs([]string{"dep", "--timeout", "30", "--include-data", "--json"})
		require.NoError(t, err)
		assert.Equal(t, BucketDep, opts.Bucket)
		assert.Equal(t, 30*time.Second, opts.Timeout)
		assert.True(t, opts.IncludeData)
		assert.True(t, opts.JSON)
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, err := ParseProbeArgs(nil)
		assert.Error(t, err)
	})

	t.Run("unknown bucket", func(t *testing.T) {
		_, err := ParseProbeArgs([]string{"liveness"})
		assert.Error(t, err)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := ParseProbeArgs([]string{"live", "--verbose"})
		assert.Error(t, err)
	})

	t.Run("trailing argument", func(t *testing.T) {
		_, err := ParseProbeArgs([]string{"live", "extra"})
		assert.Error(t, err)
	})

	t.Run("non-positive timeout", func(t *testing.T) {
		_, err := ParseProbeArgs([]string{"live", "--timeout", "0"})
		assert.Error(t, err)
	})
}

func probeServer(t *testing.T, status Status) *httptest.Server {
	t.Helper()

	registry := NewRegistry(nil)
	require.NoError(t, registry.Add(Check{
		Name:    "postgres",
		Buckets: []Bucket{BucketLive, BucketReady, BucketDep},
		Run: func(ctx context.Context) Result {
			return Result{Status: status, Data: map[string]any{"latencyMs": 3}}
		},
	}))

	server := httptest.NewServer(NewHandler(registry).Routes())
	t.Cleanup(server.Close)
	return server
}

func TestRunProbe_ExitCodes(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := probeServer(t, StatusHealthy)
		var out strings.Builder

		code := RunProbe(context.Background(), ProbeOptions{
			BaseURL: server.URL,
			Bucket:  BucketReady,
			Timeout: time.Second,
		}, &out)

		assert.Equal(t, ExitHealthy, code)
		assert.Contains(t, out.String(), "Healthy")
	})

	t.Run("degraded still exits healthy", func(t *testing.T) {
		server := probeServer(t, StatusDegraded)
		var out strings.Builder

		code := RunProbe(context.Background(), ProbeOptions{
			BaseURL: server.URL,
			Bucket:  BucketDep,
			Timeout: time.Second,
		}, &out)

		assert.Equal(t, ExitHealthy, code)
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := probeServer(t, StatusUnhealthy)
		var out strings.Builder

		code := RunProbe(context.Background(), ProbeOptions{
			BaseURL: server.URL,
			Bucket:  BucketDep,
			Timeout: time.Second,
		}, &out)

		assert.Equal(t, ExitNonHealthy, code)
	})

	t.Run("missing base URL is a misconfiguration", func(t *testing.T) {
		var out strings.Builder
		code := RunProbe(context.Background(), ProbeOptions{
			Bucket:  BucketLive,
			Timeout: time.Second,
		}, &out)
		assert.Equal(t, ExitMisconfiguration, code)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		var out strings.Builder
		code := RunProbe(context.Background(), ProbeOptions{
			BaseURL: "http://127.0.0.1:1",
			Bucket:  BucketLive,
			Timeout: time.Second,
		}, &out)
		assert.Equal(t, ExitException, code)
	})
}

func TestRunProbe_DataStripping(t *testing.T) {
	server := probeServer(t, StatusHealthy)

	var withData strings.Builder
	RunProbe(context.Background(), ProbeOptions{
		BaseURL:     server.URL,
		Bucket:      BucketDep,
		Timeout:     time.Second,
		IncludeData: true,
		JSON:        true,
	}, &withData)
	assert.Contains(t, withData.String(), "latencyMs")

	var stripped strings.Builder
	RunProbe(context.Background(), ProbeOptions{
		BaseURL: server.URL,
		Bucket:  BucketDep,
		Timeout: time.Second,
		JSON:    true,
	}, &stripped)
	assert.NotContains(t, stripped.String(), "latencyMs")
}
