package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 0.85, cfg.Risk.DenyScore)
	assert.Equal(t, 0.6, cfg.Risk.ThrottleScore)
	assert.Equal(t, 5, cfg.Breaker.TripThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Retention)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
server:
  addr: ":9999"
risk:
  deny_score: 0.9
  throttle_score: 0.7
breaker:
  trip_threshold: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 0.9, cfg.Risk.DenyScore)
	assert.Equal(t, 10, cfg.Breaker.TripThreshold)
	// Untouched keys keep defaults.
	assert.Equal(t, 0.5, cfg.Risk.ThrottleRatio)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADECORE_SERVER_ADDR", ":7777")
	t.Setenv("TRADECORE_BREAKER_TRIP_THRESHOLD", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Breaker.TripThreshold)
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk:
  deny_score: 0.5
  throttle_score: 0.6
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: oracle
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
