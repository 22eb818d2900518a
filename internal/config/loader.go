package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFromEnv loads configuration for a wrapper invocation. The orchestrator
// gives us no command line of our own, so everything comes from CASHEW_*
// environment variables and an optional user config file.
func (l *Loader) LoadFromEnv() (*Config, error) {
	l.setupViperDefaults()
	l.loadUserConfig()
	l.bindEnv()

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cache_dir", "")
	viper.SetDefault("disable", false)
	viper.SetDefault("registry_prefixes", DefaultRegistryPrefixes)
	viper.SetDefault("lock_retry", DefaultLockRetry)
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("verbose", false)
}

// loadUserConfig loads the user-level configuration file if one exists
func (l *Loader) loadUserConfig() {
	base, err := os.UserConfigDir()
	if err != nil {
		return
	}

	dir := filepath.Join(base, "cashew")

	for _, ext := range []string{"yml", "yaml", "json", "toml"} {
		path := filepath.Join(dir, "config."+ext)

		if _, err := os.Stat(path); err == nil {
			viper.SetConfigFile(path)

			if err := viper.ReadInConfig(); err == nil {
				break
			}
		}
	}
}

// bindEnv binds CASHEW_* environment variables to viper keys
func (l *Loader) bindEnv() {
	viper.SetEnvPrefix("cashew")
	_ = viper.BindEnv("cache_dir")
	_ = viper.BindEnv("disable")
	_ = viper.BindEnv("registry_prefixes")
	_ = viper.BindEnv("lock_retry")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("verbose")
}
