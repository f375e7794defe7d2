package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Parley configuration
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
}

// SchedulerConfig controls the turn-scheduling loop
type SchedulerConfig struct {
	// MaxRetries is the retry budget per turn for retryable failures (0-10)
	MaxRetries int `mapstructure:"max_retries"`
	// TurnTimeoutMs is the per-turn model invocation budget in milliseconds
	TurnTimeoutMs int `mapstructure:"turn_timeout_ms"`
	// MaxIterations is the hard guard on scheduler loop passes (0 = derived
	// from the turn count)
	MaxIterations int `mapstructure:"max_iterations"`
	// ContextWindowSize is how many recent turns feed the conversation
	// context of each turn
	ContextWindowSize int `mapstructure:"context_window_size"`
}

// ProviderConfig controls the model provider adapter
type ProviderConfig struct {
	// Backend selects the provider: "scripted" (deterministic, for local
	// runs and tests) or "http"
	Backend string `mapstructure:"backend"`
	// Model is the model identifier passed to the provider
	Model string `mapstructure:"model"`
	// BaseURL is the endpoint for the http backend
	BaseURL string `mapstructure:"base_url"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `mapstructure:"api_key_env"`
	// MaxAttempts bounds provider-level retry on retryable status codes
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffMs is the initial backoff between provider attempts; doubles
	// per attempt
	BackoffMs int `mapstructure:"backoff_ms"`
	// RequestsPerMinute rate-limits provider invocations (0 = unlimited)
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// StorageConfig controls run persistence
type StorageConfig struct {
	// Driver selects the store: "sqlite" or "memory"
	Driver string `mapstructure:"driver"`
	// DSN is the sqlite data source name; empty means paths.data_dir/parley.db
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where Parley stores data
type PathsConfig struct {
	// DataDir holds run directories (logs, artifacts, sqlite database).
	// Empty means ".parley" relative to the working directory.
	DataDir string `mapstructure:"data_dir"`
}

// TurnTimeout returns the per-turn budget as a time.Duration
func (s *SchedulerConfig) TurnTimeout() time.Duration {
	return time.Duration(s.TurnTimeoutMs) * time.Millisecond
}

// Backoff returns the initial provider backoff as a time.Duration
func (p *ProviderConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

// ResolveDataDir returns the resolved data directory path. Relative paths
// are resolved against baseDir.
func (p *PathsConfig) ResolveDataDir(baseDir string) string {
	if p.DataDir == "" {
		return filepath.Join(baseDir, ".parley")
	}
	if !filepath.IsAbs(p.DataDir) {
		return filepath.Join(baseDir, p.DataDir)
	}
	return p.DataDir
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxRetries:        2,
			TurnTimeoutMs:     60000,
			MaxIterations:     0, // derived from turn count
			ContextWindowSize: 12,
		},
		Provider: ProviderConfig{
			Backend:           "scripted",
			Model:             "default",
			BaseURL:           "",
			APIKeyEnv:         "PARLEY_API_KEY",
			MaxAttempts:       3,
			BackoffMs:         250,
			RequestsPerMinute: 0,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			DataDir: "",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Scheduler defaults
	viper.SetDefault("scheduler.max_retries", defaults.Scheduler.MaxRetries)
	viper.SetDefault("scheduler.turn_timeout_ms", defaults.Scheduler.TurnTimeoutMs)
	viper.SetDefault("scheduler.max_iterations", defaults.Scheduler.MaxIterations)
	viper.SetDefault("scheduler.context_window_size", defaults.Scheduler.ContextWindowSize)

	// Provider defaults
	viper.SetDefault("provider.backend", defaults.Provider.Backend)
	viper.SetDefault("provider.model", defaults.Provider.Model)
	viper.SetDefault("provider.base_url", defaults.Provider.BaseURL)
	viper.SetDefault("provider.api_key_env", defaults.Provider.APIKeyEnv)
	viper.SetDefault("provider.max_attempts", defaults.Provider.MaxAttempts)
	viper.SetDefault("provider.backoff_ms", defaults.Provider.BackoffMs)
	viper.SetDefault("provider.requests_per_minute", defaults.Provider.RequestsPerMinute)

	// Storage defaults
	viper.SetDefault("storage.driver", defaults.Storage.Driver)
	viper.SetDefault("storage.dsn", defaults.Storage.DSN)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley")
	}
	// Fall back to ~/.config/parley
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".config", "parley")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
