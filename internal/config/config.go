// Package config provides configuration management for the QVF engine.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

// Config is the root configuration for the engine and its surfaces.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logger.Config     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Resources   ResourceConfig    `mapstructure:"resources"`
	Workflow    WorkflowConfig    `mapstructure:"workflow"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Enhancement EnhancementConfig `mapstructure:"enhancement"`
	ItemStore   ItemStoreConfig   `mapstructure:"itemstore"`
	Profiling   ProfilingConfig   `mapstructure:"profiling"`
}

// AppConfig identifies the running instance.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GetAddress returns the listen address, constructing it from the port when
// no explicit address is set.
func (s ServerConfig) GetAddress() string {
	if s.Address != "" {
		return s.Address
	}
	return fmt.Sprintf(":%d", s.Port)
}

// SchedulerConfig tunes the priority queue, cron loop, and worker pool.
type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers"`
	MaxQueueDepth   int           `mapstructure:"max_queue_depth"`
	CronInterval    time.Duration `mapstructure:"cron_interval"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	DeadLetterLimit int           `mapstructure:"dead_letter_limit"`

	// Retry defaults for directly enqueued requests; jobs carry their own
	// retry policy.
	RetryMaxRetries int           `mapstructure:"retry_max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// ResourceConfig holds the resource budget and sampler tuning.
type ResourceConfig struct {
	Limits domain.ResourceLimits `mapstructure:"limits"`

	SampleInterval time.Duration `mapstructure:"sample_interval"`
	CallWindow     time.Duration `mapstructure:"call_window"`

	// MaxThrottleDelay caps the computed throttling delay.
	MaxThrottleDelay time.Duration `mapstructure:"max_throttle_delay"`

	// FailClosedAfter is the number of consecutive sampling failures after
	// which the monitor reports the host as over-limit.
	FailClosedAfter int `mapstructure:"fail_closed_after"`
}

// WorkflowConfig tunes workflow execution and result retention.
type WorkflowConfig struct {
	ResultHistoryLimit int `mapstructure:"result_history_limit"`
}

// BatchConfig tunes the chunked batch processor.
type BatchConfig struct {
	ChunkSize   int `mapstructure:"chunk_size"`
	Concurrency int `mapstructure:"concurrency"`
}

// MonitorConfig tunes the operation metrics store and alerting.
type MonitorConfig struct {
	RetentionPeriod        time.Duration `mapstructure:"retention_period"`
	PruneInterval          time.Duration `mapstructure:"prune_interval"`
	MaxRecordsPerOperation int           `mapstructure:"max_records_per_operation"`
	BaselineWindow         int           `mapstructure:"baseline_window"`
	AlertHistoryLimit      int           `mapstructure:"alert_history_limit"`
}

// EnhancementConfig controls the optional AI enhancement stage.
type EnhancementConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// Breaker settings: repeated enhancer failures open the circuit and the
	// workflow skips enhancement until the cooldown elapses.
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ItemStoreConfig tunes the item-store client.
type ItemStoreConfig struct {
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ProfilingConfig controls continuous profiling.
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
}

// Load unmarshals the viper state into a validated Config.
// InitializeViper must have been called first.
func Load() (*Config, error) {
	cfg := &Config{}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}

	if decodeErr := decoder.Decode(viper.AllSettings()); decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("invalid config: %w", validateErr)
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return domain.NewValidationError("scheduler.workers", "must be positive")
	}
	if c.Scheduler.MaxQueueDepth <= 0 {
		return domain.NewValidationError("scheduler.max_queue_depth", "must be positive")
	}
	if c.Scheduler.CronInterval <= 0 {
		return domain.NewValidationError("scheduler.cron_interval", "must be positive")
	}
	if c.Resources.Limits.MaxConcurrentWorkflows <= 0 {
		return domain.NewValidationError("resources.limits.max_concurrent_workflows", "must be positive")
	}
	if c.Resources.SampleInterval <= 0 {
		return domain.NewValidationError("resources.sample_interval", "must be positive")
	}
	if c.Resources.CallWindow <= 0 {
		return domain.NewValidationError("resources.call_window", "must be positive")
	}
	if c.Batch.ChunkSize <= 0 {
		return domain.NewValidationError("batch.chunk_size", "must be positive")
	}
	if c.Batch.Concurrency <= 0 {
		return domain.NewValidationError("batch.concurrency", "must be positive")
	}
	if c.Monitor.RetentionPeriod <= 0 {
		return domain.NewValidationError("monitor.retention_period", "must be positive")
	}
	if c.Monitor.BaselineWindow <= 0 {
		return domain.NewValidationError("monitor.baseline_window", "must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return domain.NewValidationError("server.port", "must be between 0 and 65535")
	}
	if c.Enhancement.Enabled && c.Enhancement.APIKey == "" {
		return domain.NewValidationError("enhancement.api_key", "required when enhancement is enabled")
	}
	return nil
}
