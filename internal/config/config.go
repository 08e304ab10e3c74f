package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vertextoedge/installer-fetch/internal/recovery"
	"github.com/vertextoedge/installer-fetch/internal/retry"
	"github.com/vertextoedge/installer-fetch/internal/transfer"
)

// EnvPrefix prefixes environment overrides, e.g. INSTALLER_FETCH_LOGGING_LEVEL.
const EnvPrefix = "INSTALLER_FETCH"

// Config represents the entire application configuration
type Config struct {
	Transfer TransferConfig `mapstructure:"transfer"`
	Download DownloadConfig `mapstructure:"download"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// TransferConfig contains HTTP session and retry settings
type TransferConfig struct {
	UserAgent             string            `mapstructure:"user_agent"`
	Headers               map[string]string `mapstructure:"headers"`
	ConnectTimeout        string            `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout string            `mapstructure:"response_header_timeout"`
	RequestTimeout        string            `mapstructure:"request_timeout"`
	ReadTimeout           string            `mapstructure:"read_timeout"`
	BufferSizeKB          int               `mapstructure:"buffer_size_kb"`
	MaxAttempts           int               `mapstructure:"max_attempts"`
	InitialDelay          string            `mapstructure:"initial_delay"`
	BackoffFactor         float64           `mapstructure:"backoff_factor"`
	MaxDelay              string            `mapstructure:"max_delay"`
}

// DownloadConfig contains downloader settings
type DownloadConfig struct {
	OutputDir        string `mapstructure:"output_dir"`
	ChunkSizeKB      int    `mapstructure:"chunk_size_kb"`
	MaxRestarts      int    `mapstructure:"max_restarts"`
	Resume           bool   `mapstructure:"resume"`
	Overwrite        bool   `mapstructure:"overwrite"`
	ProgressInterval string `mapstructure:"progress_interval"`
}

// RecoveryConfig contains recovery server settings
type RecoveryConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	BoardsFile string `mapstructure:"boards_file"`
	MLB        string `mapstructure:"mlb"`
	OSType     string `mapstructure:"os_type"`
	OutputDir  string `mapstructure:"output_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains transfer ledger settings
type DatabaseConfig struct {
	Path      string `mapstructure:"path"`
	Retention string `mapstructure:"retention"`
}

// MetricsConfig contains metrics endpoint settings
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from the specified file path. An empty path
// uses defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transfer.user_agent", transfer.DefaultUserAgent)
	v.SetDefault("transfer.headers", map[string]string{})
	v.SetDefault("transfer.connect_timeout", "30s")
	v.SetDefault("transfer.response_header_timeout", "60s")
	v.SetDefault("transfer.request_timeout", "60s")
	v.SetDefault("transfer.read_timeout", "60s")
	v.SetDefault("transfer.buffer_size_kb", 256)
	v.SetDefault("transfer.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("transfer.initial_delay", "3s")
	v.SetDefault("transfer.backoff_factor", retry.DefaultFactor)
	v.SetDefault("transfer.max_delay", "0s")
	v.SetDefault("download.output_dir", ".")
	v.SetDefault("download.chunk_size_kb", 8)
	v.SetDefault("download.max_restarts", 2)
	v.SetDefault("download.resume", true)
	v.SetDefault("download.overwrite", false)
	v.SetDefault("download.progress_interval", "250ms")
	v.SetDefault("recovery.base_url", recovery.DefaultBaseURL)
	v.SetDefault("recovery.boards_file", "")
	v.SetDefault("recovery.mlb", recovery.MLBZero)
	v.SetDefault("recovery.os_type", recovery.DefaultOSType)
	v.SetDefault("recovery.output_dir", ".")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("database.path", "")
	v.SetDefault("database.retention", "720h")
	v.SetDefault("metrics.addr", "")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	durations := map[string]string{
		"transfer.connect_timeout":         c.Transfer.ConnectTimeout,
		"transfer.response_header_timeout": c.Transfer.ResponseHeaderTimeout,
		"transfer.request_timeout":         c.Transfer.RequestTimeout,
		"transfer.read_timeout":            c.Transfer.ReadTimeout,
		"transfer.initial_delay":           c.Transfer.InitialDelay,
		"transfer.max_delay":               c.Transfer.MaxDelay,
		"download.progress_interval":       c.Download.ProgressInterval,
		"database.retention":               c.Database.Retention,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		} else if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("transfer.max_attempts must be positive")
	}
	if c.Transfer.BackoffFactor < 1 {
		return fmt.Errorf("transfer.backoff_factor must be at least 1")
	}
	if c.Download.ChunkSizeKB < 1 {
		return fmt.Errorf("download.chunk_size_kb must be positive")
	}
	if c.Download.MaxRestarts < 0 {
		return fmt.Errorf("download.max_restarts must not be negative")
	}
	if c.Recovery.BaseURL == "" {
		return fmt.Errorf("recovery.base_url is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}

// GetInitialDelay returns the first retry delay as time.Duration
func (c *TransferConfig) GetInitialDelay() time.Duration {
	return parseDuration(c.InitialDelay, retry.DefaultInitialDelay)
}

// GetMaxDelay returns the backoff cap; zero means uncapped
func (c *TransferConfig) GetMaxDelay() time.Duration {
	return parseDuration(c.MaxDelay, 0)
}

// RetryPolicy builds the retry policy
func (c *TransferConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.GetInitialDelay(),
		Factor:       c.BackoffFactor,
		MaxDelay:     c.GetMaxDelay(),
	}
}

// SessionConfig builds the transfer session configuration
func (c *TransferConfig) SessionConfig() transfer.Config {
	defaults := transfer.DefaultConfig()
	return transfer.Config{
		UserAgent:             c.UserAgent,
		Headers:               c.Headers,
		ConnectTimeout:        parseDuration(c.ConnectTimeout, defaults.ConnectTimeout),
		ResponseHeaderTimeout: parseDuration(c.ResponseHeaderTimeout, defaults.ResponseHeaderTimeout),
		RequestTimeout:        parseDuration(c.RequestTimeout, defaults.RequestTimeout),
		ReadTimeout:           parseDuration(c.ReadTimeout, defaults.ReadTimeout),
		BufferSizeKB:          c.BufferSizeKB,
		Retry:                 c.RetryPolicy(),
	}
}

// GetChunkSize returns the read chunk size in bytes
func (c *DownloadConfig) GetChunkSize() int {
	if c.ChunkSizeKB <= 0 {
		return 8 * 1024
	}
	return c.ChunkSizeKB * 1024
}

// GetProgressInterval returns the progress redraw interval as time.Duration
func (c *DownloadConfig) GetProgressInterval() time.Duration {
	return parseDuration(c.ProgressInterval, 250*time.Millisecond)
}

// GetRetention returns how long finished ledger entries are kept
func (c *DatabaseConfig) GetRetention() time.Duration {
	return parseDuration(c.Retention, 30*24*time.Hour)
}
