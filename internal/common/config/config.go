// Package config provides configuration management for pokecode.
// It supports loading configuration from environment variables, the
// ~/.pokecode/config.json file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration options for the pokecode daemon.
// Keys mirror the on-disk config.json layout.
type Config struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`

	LogLevel  string `mapstructure:"logLevel"`
	LogFormat string `mapstructure:"logFormat"`
	LogPath   string `mapstructure:"logPath"`

	DatabasePath      string `mapstructure:"databasePath"`
	DatabaseWAL       bool   `mapstructure:"databaseWAL"`
	DatabaseCacheSize int    `mapstructure:"databaseCacheSize"`

	ClaudeCodePath string   `mapstructure:"claudeCodePath"`
	CodexPath      string   `mapstructure:"codexPath"`
	Repositories   []string `mapstructure:"repositories"`

	WorkerConcurrency     int `mapstructure:"workerConcurrency"`
	WorkerPollingInterval int `mapstructure:"workerPollingInterval"` // ms
	JobRetention          int `mapstructure:"jobRetention"`          // days
	MaxJobAttempts        int `mapstructure:"maxJobAttempts"`
	LeaseTTL              int `mapstructure:"leaseTTL"`   // ms
	MaxBackoff            int `mapstructure:"maxBackoff"` // ms
	GracefulShutdownMs    int `mapstructure:"gracefulShutdownMs"`

	SSEBufferEvents           int `mapstructure:"sseBufferEvents"`
	HeartbeatInterval         int `mapstructure:"heartbeatInterval"`         // seconds
	CancellationCheckInterval int `mapstructure:"cancellationCheckInterval"` // ms
	SelfCheckInterval         int `mapstructure:"selfCheckInterval"`         // seconds

	PersistSystemMessages bool   `mapstructure:"persistSystemMessages"`
	NATSURL               string `mapstructure:"natsUrl"`
}

// HomeDir returns the pokecode state directory (~/.pokecode).
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pokecode"
	}
	return filepath.Join(home, ".pokecode")
}

// PIDPath returns the daemon pid file location.
func PIDPath() string { return filepath.Join(HomeDir(), "pokecode.pid") }

// DaemonDescriptorPath returns the daemon descriptor file location.
func DaemonDescriptorPath() string { return filepath.Join(HomeDir(), "daemon.json") }

// WorkerPollingIntervalDuration returns the idle poll interval as a time.Duration.
func (c *Config) WorkerPollingIntervalDuration() time.Duration {
	return time.Duration(c.WorkerPollingInterval) * time.Millisecond
}

// LeaseTTLDuration returns the processing lease as a time.Duration.
func (c *Config) LeaseTTLDuration() time.Duration {
	return time.Duration(c.LeaseTTL) * time.Millisecond
}

// MaxBackoffDuration returns the retry backoff cap as a time.Duration.
func (c *Config) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff) * time.Millisecond
}

// GracefulShutdownDuration returns the agent abort grace as a time.Duration.
func (c *Config) GracefulShutdownDuration() time.Duration {
	return time.Duration(c.GracefulShutdownMs) * time.Millisecond
}

// HeartbeatIntervalDuration returns the SSE heartbeat interval as a time.Duration.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// CancellationCheckDuration returns the worker cancellation poll interval.
func (c *Config) CancellationCheckDuration() time.Duration {
	return time.Duration(c.CancellationCheckInterval) * time.Millisecond
}

// SelfCheckIntervalDuration returns the session invariant check interval.
func (c *Config) SelfCheckIntervalDuration() time.Duration {
	return time.Duration(c.SelfCheckInterval) * time.Second
}

// JobRetentionDuration returns the terminal-job retention window.
func (c *Config) JobRetentionDuration() time.Duration {
	return time.Duration(c.JobRetention) * 24 * time.Hour
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("POKECODE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("host", "0.0.0.0")

	v.SetDefault("logLevel", "info")
	v.SetDefault("logFormat", detectDefaultLogFormat())
	v.SetDefault("logPath", "")

	v.SetDefault("databasePath", filepath.Join(HomeDir(), "pokecode.db"))
	v.SetDefault("databaseWAL", true)
	v.SetDefault("databaseCacheSize", 1_000_000)

	v.SetDefault("claudeCodePath", "")
	v.SetDefault("codexPath", "")
	v.SetDefault("repositories", []string{})

	v.SetDefault("workerConcurrency", 5)
	v.SetDefault("workerPollingInterval", 1000)
	v.SetDefault("jobRetention", 30)
	v.SetDefault("maxJobAttempts", 1)
	v.SetDefault("leaseTTL", 60000)
	v.SetDefault("maxBackoff", 300000)
	v.SetDefault("gracefulShutdownMs", 5000)

	v.SetDefault("sseBufferEvents", 256)
	v.SetDefault("heartbeatInterval", 25)
	v.SetDefault("cancellationCheckInterval", 2000)
	v.SetDefault("selfCheckInterval", 60)

	v.SetDefault("persistSystemMessages", true)
	v.SetDefault("natsUrl", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix POKECODE_ with upper snake_case naming.
// The config file is ~/.pokecode/config.json.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or the default
// ~/.pokecode location.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POKECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys: AutomaticEnv does not
	// convert camelCase to SNAKE_CASE.
	_ = v.BindEnv("logLevel", "POKECODE_LOG_LEVEL")
	_ = v.BindEnv("databasePath", "POKECODE_DATABASE_PATH")
	_ = v.BindEnv("claudeCodePath", "POKECODE_CLAUDE_CODE_PATH")
	_ = v.BindEnv("codexPath", "POKECODE_CODEX_PATH")
	_ = v.BindEnv("workerConcurrency", "POKECODE_WORKER_CONCURRENCY")
	_ = v.BindEnv("natsUrl", "POKECODE_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("json")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(HomeDir())
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validLevels := map[string]bool{
		"fatal": true, "error": true, "warn": true,
		"info": true, "debug": true, "trace": true,
	}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, "logLevel must be one of: fatal, error, warn, info, debug, trace")
	}

	if cfg.DatabasePath == "" {
		errs = append(errs, "databasePath is required")
	}
	if cfg.WorkerConcurrency <= 0 {
		errs = append(errs, "workerConcurrency must be positive")
	}
	if cfg.WorkerPollingInterval <= 0 {
		errs = append(errs, "workerPollingInterval must be positive")
	}
	if cfg.MaxJobAttempts < 1 {
		errs = append(errs, "maxJobAttempts must be at least 1")
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, "leaseTTL must be positive")
	}
	if cfg.SSEBufferEvents <= 0 {
		errs = append(errs, "sseBufferEvents must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// ZapLevel maps the configured log level onto the set zap understands.
// "trace" has no zap equivalent and maps to debug; "fatal" maps to error
// so that pre-fatal diagnostics are not lost.
func (c *Config) ZapLevel() string {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return "debug"
	case "fatal":
		return "error"
	default:
		return strings.ToLower(c.LogLevel)
	}
}
