package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the test away from the developer's real config, cache and
// environment, and resets viper's global state afterwards.
func isolate(t *testing.T) {
	t.Helper()

	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("CASHEW_CACHE_DIR", "")
	t.Setenv("CASHEW_DISABLE", "")
	t.Setenv("CASHEW_LOG_LEVEL", "")
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.CacheDir))
	assert.Equal(t, "cashew", filepath.Base(cfg.CacheDir))
	assert.False(t, cfg.Disabled)
	assert.Equal(t, DefaultRegistryPrefixes, cfg.RegistryPrefixes)
	assert.Equal(t, DefaultLockRetry, cfg.LockRetry)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoadFromEnv_EnvironmentOverrides(t *testing.T) {
	isolate(t)

	cacheDir := t.TempDir()
	t.Setenv("CASHEW_CACHE_DIR", cacheDir)
	t.Setenv("CASHEW_DISABLE", "true")
	t.Setenv("CASHEW_LOG_LEVEL", "debug")
	t.Setenv("CASHEW_LOCK_RETRY", "250ms")

	cfg, err := NewLoader().LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, cacheDir, cfg.CacheDir)
	assert.True(t, cfg.Disabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.LockRetry)
}

func TestLoadFromEnv_InvalidLogLevel(t *testing.T) {
	isolate(t)

	t.Setenv("CASHEW_LOG_LEVEL", "loud")

	_, err := NewLoader().LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestValidate_MakesCacheDirAbsolute(t *testing.T) {
	cfg := &Config{CacheDir: "relative/cache", LogLevel: "info"}

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.CacheDir))
}
