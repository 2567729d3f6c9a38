package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides, e.g.
// MAILROOM_DELIVERY_WORKERS for delivery.workers
const EnvPrefix = "mailroom"

// Config is the daemon configuration
type Config struct {
	DataDir  string         `mapstructure:"data_dir" yaml:"data_dir"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Lease    LeaseConfig    `mapstructure:"lease" yaml:"lease"`
	EventLog EventLogConfig `mapstructure:"eventlog" yaml:"eventlog"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	Journal  JournalConfig  `mapstructure:"journal" yaml:"journal"`
}

type APIConfig struct {
	Addr       string `mapstructure:"addr" yaml:"addr"`
	HealthAddr string `mapstructure:"health_addr" yaml:"health_addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type LeaseConfig struct {
	Default time.Duration `mapstructure:"default" yaml:"default"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// EventLogConfig configures registration event logs. Durable false keeps
// every log in memory.
type EventLogConfig struct {
	Durable        bool `mapstructure:"durable" yaml:"durable"`
	ChunkCapacity  int  `mapstructure:"chunk_capacity" yaml:"chunk_capacity"`
	StreamPoolSize int  `mapstructure:"stream_pool_size" yaml:"stream_pool_size"`
}

type RegistryConfig struct {
	CheckpointThreshold int `mapstructure:"checkpoint_threshold" yaml:"checkpoint_threshold"`
	DeadLetterAfter     int `mapstructure:"dead_letter_after" yaml:"dead_letter_after"`
	MaxPullBatch        int `mapstructure:"max_pull_batch" yaml:"max_pull_batch"`
}

type DeliveryConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxTaskDuration time.Duration `mapstructure:"max_task_duration" yaml:"max_task_duration"`
	WakeInterval    time.Duration `mapstructure:"wake_interval" yaml:"wake_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

type JournalConfig struct {
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	ApplyTimeout   time.Duration `mapstructure:"apply_timeout" yaml:"apply_timeout"`
	SnapshotRetain int           `mapstructure:"snapshot_retain" yaml:"snapshot_retain"`
}

// Load reads the configuration file at path, applies MAILROOM_*
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper is Load on a caller-provided viper instance, typically one
// with command line flags already bound
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./mailroom-data")

	v.SetDefault("api.addr", "127.0.0.1:7070")
	v.SetDefault("api.health_addr", "127.0.0.1:9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("lease.default", 10*time.Minute)
	v.SetDefault("lease.max", 24*time.Hour)

	v.SetDefault("eventlog.durable", true)
	v.SetDefault("eventlog.chunk_capacity", 10)
	v.SetDefault("eventlog.stream_pool_size", 64)

	v.SetDefault("registry.checkpoint_threshold", 100)
	v.SetDefault("registry.dead_letter_after", 3)
	v.SetDefault("registry.max_pull_batch", 100)

	v.SetDefault("delivery.workers", 10)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.max_task_duration", time.Hour)
	v.SetDefault("delivery.wake_interval", 5*time.Second)
	v.SetDefault("delivery.attempt_timeout", 30*time.Second)
	v.SetDefault("delivery.initial_backoff", time.Second)
	v.SetDefault("delivery.max_backoff", time.Minute)
	v.SetDefault("delivery.jitter", 0.2)

	v.SetDefault("journal.queue_size", 1024)
	v.SetDefault("journal.apply_timeout", 5*time.Second)
	v.SetDefault("journal.snapshot_retain", 2)
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if c.Lease.Default <= 0 || c.Lease.Max <= 0 {
		errs = append(errs, errors.New("lease.default and lease.max must be positive"))
	} else if c.Lease.Default > c.Lease.Max {
		errs = append(errs, fmt.Errorf("lease.default %s exceeds lease.max %s", c.Lease.Default, c.Lease.Max))
	}
	if c.EventLog.ChunkCapacity <= 0 {
		errs = append(errs, errors.New("eventlog.chunk_capacity must be positive"))
	}
	if c.EventLog.StreamPoolSize < 3 {
		errs = append(errs, errors.New("eventlog.stream_pool_size must be at least 3"))
	}
	if c.Registry.DeadLetterAfter < 0 {
		errs = append(errs, errors.New("registry.dead_letter_after must not be negative"))
	}
	if c.Delivery.Workers <= 0 {
		errs = append(errs, errors.New("delivery.workers must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter > 1 {
		errs = append(errs, errors.New("delivery.jitter must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
