package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/fixed"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LIQUIDATOR_ID", "keeper-1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, time.Minute, cfg.OracleMaxStaleness)
	assert.Equal(t, fixed.MustParse("1"), cfg.OracleMaxConfidence)
	assert.Equal(t, fixed.MustParse("0.1"), cfg.LiquidationBufferRatio)
	assert.Equal(t, 5*time.Second, cfg.KeeperInterval)
	assert.Equal(t, 4, cfg.KeeperConcurrency)
	assert.Equal(t, 3, cfg.KeeperMaxAttempts)
	assert.Equal(t, "keeper-1", cfg.LiquidatorID)
	assert.True(t, cfg.KeeperEnabled)
	assert.True(t, cfg.LiquidationPreferSingle)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RouterURL)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("ORACLE_MAX_STALENESS", "2m")
	t.Setenv("ORACLE_MAX_CONFIDENCE", "0.25")
	t.Setenv("LIQUIDATION_BUFFER_RATIO", "0")
	t.Setenv("LIQUIDATION_PREFER_SINGLE", "false")
	t.Setenv("KEEPER_ENABLED", "false")
	t.Setenv("ROUTER_ALLOWED_LIQUIDATORS", "a,b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Minute, cfg.OracleMaxStaleness)
	assert.Equal(t, fixed.MustParse("0.25"), cfg.OracleMaxConfidence)
	assert.True(t, cfg.LiquidationBufferRatio.IsZero())
	assert.False(t, cfg.LiquidationPreferSingle)
	assert.False(t, cfg.KeeperEnabled)
	assert.Equal(t, []string{"a", "b"}, cfg.RouterAllowedLiquidators)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KEEPER_CONCURRENCY=9\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KEEPER_CONCURRENCY") })

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.KeeperConcurrency)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad confidence", "ORACLE_MAX_CONFIDENCE", "lots"},
		{"negative buffer", "LIQUIDATION_BUFFER_RATIO", "-0.5"},
		{"zero staleness", "ORACLE_MAX_STALENESS", "0s"},
		{"zero concurrency", "KEEPER_CONCURRENCY", "0"},
		{"zero attempts", "KEEPER_MAX_ATTEMPTS", "0"},
		{"zero router timeout", "ROUTER_TIMEOUT", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := &Config{KafkaBrokers: []string{"k1"}}
	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"PORT", "ORACLE_MAX_STALENESS", "KEEPER_INTERVAL", "KAFKA_TOPIC"} {
		assert.Contains(t, err.Error(), key)
	}
}
