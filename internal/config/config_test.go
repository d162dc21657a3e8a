package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 1*time.Second, cfg.Backoff.Base)
	assert.Equal(t, 16*time.Second, cfg.Backoff.Cap)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.OverallTimeout)
	assert.Equal(t, 3, cfg.Aggregation.RateLimitRetries)
	assert.Equal(t, 2, cfg.Aggregation.TransientRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("BANK_API_URL", "https://bank.example.com")
	t.Setenv("BANK_API_RPS", "2.5")
	t.Setenv("AGGREGATION_RATE_LIMIT_RETRIES", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, "https://bank.example.com", cfg.Providers.Bank.BaseURL)
	assert.Equal(t, 2.5, cfg.Providers.Bank.RequestsPerSecond)
	assert.Equal(t, 5, cfg.Aggregation.RateLimitRetries)
}

func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POSTGRES_MAX_CONNECTIONS", "not-a-number")
	t.Setenv("BACKOFF_CAP", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Database.Postgres.MaxConnections)
	assert.Equal(t, 16*time.Second, cfg.Backoff.Cap)
}
