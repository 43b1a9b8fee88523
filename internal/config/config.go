package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all application configuration, bound from the literal
// environment variable names spec §6 names.
type Config struct {
	ListenPort  int `mapstructure:"listen-port"`
	MetricsPort int `mapstructure:"metrics-port"`

	TempDownloadPath string `mapstructure:"temp-download-path"`
	StateBase        string `mapstructure:"state-base"`
	StoreRoot        string `mapstructure:"store-root"`

	CacheURL        string `mapstructure:"cache-url"`
	CachePublicKey  string `mapstructure:"cache-public-key"`
	UpdatePublicKey string `mapstructure:"update-public-key"`

	MaxSystemHistoryCount    int    `mapstructure:"max-system-history-count"`
	ActivationTrackerCommand string `mapstructure:"activation-tracker-command"`
	DownloadParallelism      int    `mapstructure:"download-parallelism"`

	CacheConnectTimeoutSeconds int `mapstructure:"cache-connect-timeout-seconds"`
	CacheHeaderTimeoutSeconds  int `mapstructure:"cache-header-timeout-seconds"`
	CacheIdleTimeoutSeconds    int `mapstructure:"cache-idle-timeout-seconds"`
}

// Load reads configuration from the environment and defaults.
func Load() (*Config, error) {
	viper.SetDefault("listen-port", 0)
	viper.SetDefault("metrics-port", 0)
	viper.SetDefault("temp-download-path", "/nix/var/nixless-agent/downloads")
	viper.SetDefault("state-base", "/nix/var/nixless-agent")
	viper.SetDefault("store-root", "/nix/store")
	viper.SetDefault("cache-url", "")
	viper.SetDefault("cache-public-key", "")
	viper.SetDefault("update-public-key", "")
	viper.SetDefault("max-system-history-count", 3)
	viper.SetDefault("activation-tracker-command", "")
	viper.SetDefault("download-parallelism", 8)
	viper.SetDefault("cache-connect-timeout-seconds", 10)
	viper.SetDefault("cache-header-timeout-seconds", 10)
	viper.SetDefault("cache-idle-timeout-seconds", 30)

	// Every name below is the literal environment variable spec §6 names;
	// none carry the NIXLESS_ prefix AutomaticEnv would otherwise force on
	// them, so each is bound explicitly instead of relying on SetEnvPrefix.
	binds := map[string]string{
		"listen-port":                   "LISTEN_PORT",
		"metrics-port":                  "METRICS_PORT",
		"temp-download-path":            "TEMP_DOWNLOAD_PATH",
		"state-base":                    "STATE_BASE",
		"store-root":                    "STORE_ROOT",
		"cache-url":                     "CACHE_URL",
		"cache-public-key":              "CACHE_PUBLIC_KEY",
		"update-public-key":             "UPDATE_PUBLIC_KEY",
		"max-system-history-count":      "MAX_SYSTEM_HISTORY_COUNT",
		"activation-tracker-command":    "ACTIVATION_TRACKER_COMMAND",
		"download-parallelism":          "DOWNLOAD_PARALLELISM",
		"cache-connect-timeout-seconds": "CACHE_CONNECT_TIMEOUT_SECONDS",
		"cache-header-timeout-seconds":  "CACHE_HEADER_TIMEOUT_SECONDS",
		"cache-idle-timeout-seconds":    "CACHE_IDLE_TIMEOUT_SECONDS",
	}
	for key, env := range binds {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.ListenPort + 111
	}

	return &cfg, nil
}

// Validate checks configuration for the invariants spec §6 and §9 require.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 {
		return fmt.Errorf("LISTEN_PORT must be set to a positive port number")
	}
	if c.TempDownloadPath == "" {
		return fmt.Errorf("TEMP_DOWNLOAD_PATH cannot be empty")
	}
	if c.StateBase == "" {
		return fmt.Errorf("STATE_BASE cannot be empty")
	}
	if c.StoreRoot == "" {
		return fmt.Errorf("STORE_ROOT cannot be empty")
	}
	if c.CacheURL == "" {
		return fmt.Errorf("CACHE_URL cannot be empty")
	}
	if c.CachePublicKey == "" {
		return fmt.Errorf("CACHE_PUBLIC_KEY cannot be empty")
	}
	if c.UpdatePublicKey == "" {
		return fmt.Errorf("UPDATE_PUBLIC_KEY cannot be empty")
	}
	if c.MaxSystemHistoryCount <= 0 {
		return fmt.Errorf("MAX_SYSTEM_HISTORY_COUNT must be positive")
	}
	if c.ActivationTrackerCommand == "" {
		return fmt.Errorf("ACTIVATION_TRACKER_COMMAND cannot be empty")
	}
	if c.DownloadParallelism <= 0 {
		return fmt.Errorf("DOWNLOAD_PARALLELISM must be positive")
	}
	if c.CacheConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("CACHE_CONNECT_TIMEOUT_SECONDS must be positive")
	}
	if c.CacheHeaderTimeoutSeconds <= 0 {
		return fmt.Errorf("CACHE_HEADER_TIMEOUT_SECONDS must be positive")
	}
	if c.CacheIdleTimeoutSeconds <= 0 {
		return fmt.Errorf("CACHE_IDLE_TIMEOUT_SECONDS must be positive")
	}
	return nil
}
