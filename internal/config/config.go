package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Output     OutputConfig     `mapstructure:"output"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig locates the durable job store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Lease             time.Duration `mapstructure:"lease"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
}

// RetryConfig bounds re-delivery of failed jobs.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig caps claims per rolling window across all workers.
type RateLimitConfig struct {
	MaxClaims int           `mapstructure:"max_claims"`
	Window    time.Duration `mapstructure:"window"`
}

// RetentionConfig bounds how long terminal job records are kept.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxCount int           `mapstructure:"max_count"`
	Interval time.Duration `mapstructure:"interval"`
}

// OutputConfig locates generated report artifacts.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from an optional YAML file over built-in
// defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.path", "./jobs.db")
	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.poll_interval", time.Second)
	v.SetDefault("dispatcher.lease", 30*time.Second)
	v.SetDefault("dispatcher.heartbeat_interval", 5*time.Second)
	v.SetDefault("dispatcher.reap_interval", 10*time.Second)
	v.SetDefault("dispatcher.job_timeout", 10*time.Minute)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("rate_limit.max_claims", 30)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("retention.max_age", 7*24*time.Hour)
	v.SetDefault("retention.max_count", 10000)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("output.dir", "./reports")
	v.SetDefault("log.level", "info")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be at least 1")
	}
	if c.Dispatcher.Lease <= 0 {
		return fmt.Errorf("dispatcher.lease must be positive")
	}
	if c.Dispatcher.HeartbeatInterval >= c.Dispatcher.Lease {
		return fmt.Errorf("dispatcher.heartbeat_interval must be shorter than the lease")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.RateLimit.MaxClaims < 1 {
		return fmt.Errorf("rate_limit.max_claims must be at least 1")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	return nil
}
