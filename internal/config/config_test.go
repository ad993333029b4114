package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvRequiresServerDomain(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "example.com")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8192", cfg.BackendURL)
	assert.Equal(t, ":80", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.BackendMaxRetries)
	assert.Equal(t, 150*time.Millisecond, cfg.BackendRetryDelay)
	assert.Equal(t, 5*time.Second, cfg.BackendTimeout)
	assert.Equal(t, 5*time.Second, cfg.ProxyConnectTimeout)
	assert.Equal(t, 3, cfg.FailoverMaxRetries)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.PassiveUnhealthyTTL)
	assert.Equal(t, 10000, cfg.RouteCacheMax)
	assert.Equal(t, int64(20<<30), cfg.MaxBodyBytes)
	assert.Empty(t, cfg.DefaultBackend)
	assert.Nil(t, cfg.RateLimit)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "mesh.dev")
	t.Setenv("BACKEND_URL", "https://resolver.mesh.dev")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("DEFAULT_BACKEND", "http://landing:80")
	t.Setenv("RATE_LIMIT_RPS", "50")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "mesh.dev", cfg.ServerDomain)
	assert.Equal(t, "https://resolver.mesh.dev", cfg.BackendURL)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "http://landing:80", cfg.DefaultBackend)
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, 50, cfg.RateLimit.Rate)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "example.com")
	base, err := FromEnv()
	require.NoError(t, err)

	cfg, err := applyOverrides(base, []byte(`
cache_ttl: 30s
failover_max_retries: 5
failure_threshold: 4
passive_unhealthy_ttl: 2m
default_backend: http://landing:8080
rate_limit:
  algorithm: sliding_window
  rate: 10
  window: 1m
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 5, cfg.FailoverMaxRetries)
	assert.Equal(t, 4, cfg.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.PassiveUnhealthyTTL)
	assert.Equal(t, "http://landing:8080", cfg.DefaultBackend)
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, "sliding_window", cfg.RateLimit.Algorithm)

	// Base is untouched.
	assert.Equal(t, 60*time.Second, base.CacheTTL)
}

func TestApplyOverridesExpandsEnv(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "example.com")
	t.Setenv("LANDING_URL", "http://landing:9999")
	base, err := FromEnv()
	require.NoError(t, err)

	cfg, err := applyOverrides(base, []byte("default_backend: ${LANDING_URL}\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://landing:9999", cfg.DefaultBackend)
}

func TestApplyOverridesRejectsBadDurations(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "example.com")
	base, err := FromEnv()
	require.NoError(t, err)

	_, err = applyOverrides(base, []byte("cache_ttl: often\n"))
	assert.Error(t, err)
}

func TestApplyOverridesCanClearDefaultBackend(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "example.com")
	t.Setenv("DEFAULT_BACKEND", "http://landing:80")
	base, err := FromEnv()
	require.NoError(t, err)

	cfg, err := applyOverrides(base, []byte(`default_backend: ""`))
	require.NoError(t, err)
	assert.Empty(t, cfg.DefaultBackend)
}
