package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultLockRetry = 100 * time.Millisecond
	DefaultLogLevel  = "info"
)

// DefaultRegistryPrefixes are path-component prefixes that mark a source file
// as coming from an immutable registry checkout. Only units whose source
// matches one of these are ever cached.
var DefaultRegistryPrefixes = []string{"index.crates.io-"}

// Holds the configuration options for cashew
type Config struct {
	// Root directory for the cache store, lock directory and event log
	CacheDir string

	// Disable caching entirely; every invocation becomes a passthrough
	Disabled bool

	// Path-component prefixes identifying immutable registry sources
	RegistryPrefixes []string

	// Delay between lock acquisition attempts while waiting on a holder
	LockRetry time.Duration

	// Minimum level written to the event log (debug, info, warn, error)
	LogLevel string

	// Enable verbose output on stderr
	Verbose bool
}

func Load() (*Config, error) {
	cfg := &Config{
		CacheDir:         viper.GetString("cache_dir"),
		Disabled:         viper.GetBool("disable"),
		RegistryPrefixes: viper.GetStringSlice("registry_prefixes"),
		LockRetry:        viper.GetDuration("lock_retry"),
		LogLevel:         viper.GetString("log_level"),
		Verbose:          viper.GetBool("verbose"),
	}

	// Apply defaults if not set
	if cfg.CacheDir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return nil, err
		}

		cfg.CacheDir = dir
	}

	if len(cfg.RegistryPrefixes) == 0 {
		cfg.RegistryPrefixes = DefaultRegistryPrefixes
	}

	if cfg.LockRetry <= 0 {
		cfg.LockRetry = DefaultLockRetry
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	abs, err := filepath.Abs(c.CacheDir)
	if err != nil {
		return fmt.Errorf("invalid cache directory path: %v", err)
	}

	c.CacheDir = abs

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

func defaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine user cache directory: %w", err)
	}

	return filepath.Join(base, "cashew"), nil
}
