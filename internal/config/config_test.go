package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "FEE_WALLET_KEY", testKey)
	setEnv(t, "TREASURY_ADDRESS", "TXYZa1b2c3d4e5f6g7h8i9j0k1l2m3n4o5")
	setEnv(t, "ENCRYPTION_KEY", "unit-test-envelope-key")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultNodeURL, cfg.NodeURL)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, int64(DefaultActivationCostSun), cfg.ActivationCostSun)
	assert.False(t, cfg.NotifyBeforeSweep)
}

func TestLoad_MissingFeeWalletKey(t *testing.T) {
	setEnv(t, "FEE_WALLET_KEY", "")
	setEnv(t, "TREASURY_ADDRESS", "TXYZa1b2c3d4e5f6g7h8i9j0k1l2m3n4o5")
	setEnv(t, "ENCRYPTION_KEY", "k")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_WALLET_KEY is required")
}

func TestLoad_InvalidFeeWalletKeyLength(t *testing.T) {
	setEnv(t, "FEE_WALLET_KEY", "tooshort")
	setEnv(t, "TREASURY_ADDRESS", "TXYZa1b2c3d4e5f6g7h8i9j0k1l2m3n4o5")
	setEnv(t, "ENCRYPTION_KEY", "k")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_MissingTreasury(t *testing.T) {
	setEnv(t, "FEE_WALLET_KEY", testKey)
	setEnv(t, "TREASURY_ADDRESS", "")
	setEnv(t, "ENCRYPTION_KEY", "k")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "TREASURY_ADDRESS is required")
}

func TestLoad_DurationAndPolicyOverrides(t *testing.T) {
	setRequired(t)
	setEnv(t, "SESSION_TTL", "10m")
	setEnv(t, "SETTLE_DELAY", "5s")
	setEnv(t, "NOTIFY_BEFORE_SWEEP", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
	assert.True(t, cfg.NotifyBeforeSweep)
}

func TestLoad_ZeroXPrefixedKeyAccepted(t *testing.T) {
	setRequired(t)
	setEnv(t, "FEE_WALLET_KEY", "0x"+testKey)

	_, err := Load()
	require.NoError(t, err)
}

func TestConfig_EnvHelpers(t *testing.T) {
	setRequired(t)
	setEnv(t, "ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
