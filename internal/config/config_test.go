package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/gateway/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GW_JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3100", cfg.Addr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.MaxConnsPerIP)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.LivenessTimeout)
	assert.Equal(t, time.Hour, cfg.DirectoryTTL)
	assert.Equal(t, 60*time.Second, cfg.ChatRateWindow)
	assert.Equal(t, 10, cfg.ChatRateLimit)
	assert.Equal(t, 500, cfg.ChatMaxContent)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.CipherKey)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("GW_ADDR", ":9000")
	t.Setenv("GW_MAX_CONNS_PER_IP", "3")
	t.Setenv("GW_SWEEP_INTERVAL", "5s")
	t.Setenv("GW_LIVENESS_TIMEOUT", "12s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxConnsPerIP)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 12*time.Second, cfg.LivenessTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("GW_JWT_SECRET", "")

	_, err := config.Load(nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("sweep interval must undercut liveness timeout", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GW_SWEEP_INTERVAL", "30s")
		t.Setenv("GW_LIVENESS_TIMEOUT", "30s")

		_, err := config.Load(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GW_SWEEP_INTERVAL")
	})

	t.Run("cipher key length", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GW_CIPHER_KEY", "too-short")

		_, err := config.Load(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GW_CIPHER_KEY")
	})

	t.Run("valid cipher key accepted", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GW_CIPHER_KEY", strings.Repeat("k", 32))

		cfg, err := config.Load(nil)
		require.NoError(t, err)
		assert.Len(t, cfg.CipherKey, 32)
	})

	t.Run("bad log level", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "verbose")

		_, err := config.Load(nil)
		require.Error(t, err)
	})

	t.Run("zero connections rejected", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GW_MAX_CONNECTIONS", "0")

		_, err := config.Load(nil)
		require.Error(t, err)
	})
}
