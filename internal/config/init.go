package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// InitializeViper initializes viper from environment variables and config
// files. Must be called before Load().
func InitializeViper() error {
	loadEnvFile()
	setupViper()
	setDefaults()
	readConfigFile()

	if err := bindEnvironmentVariables(); err != nil {
		return fmt.Errorf("bind environment variables: %w", err)
	}

	applyDebugOverrides()
	return nil
}

// loadEnvFile loads .env (ignores error if the file doesn't exist).
func loadEnvFile() {
	_ = godotenv.Load()
}

// setupViper configures viper for environment variable and config file reading.
func setupViper() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("QVF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
}

// readConfigFile reads the config file (ignores error if it doesn't exist).
func readConfigFile() {
	_ = viper.ReadInConfig()
}

// bindEnvironmentVariables binds well-known unprefixed variables.
func bindEnvironmentVariables() error {
	if err := viper.BindEnv("app.environment", "APP_ENV"); err != nil {
		return fmt.Errorf("bind APP_ENV: %w", err)
	}
	if err := viper.BindEnv("app.debug", "APP_DEBUG"); err != nil {
		return fmt.Errorf("bind APP_DEBUG: %w", err)
	}
	if err := viper.BindEnv("logging.level", "LOG_LEVEL"); err != nil {
		return fmt.Errorf("bind LOG_LEVEL: %w", err)
	}
	if err := viper.BindEnv("logging.format", "LOG_FORMAT"); err != nil {
		return fmt.Errorf("bind LOG_FORMAT: %w", err)
	}
	if err := viper.BindEnv("enhancement.api_key", "ANTHROPIC_API_KEY"); err != nil {
		return fmt.Errorf("bind ANTHROPIC_API_KEY: %w", err)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// App defaults
	viper.SetDefault("app", map[string]any{
		"name":        "qvf",
		"version":     "1.0.0",
		"environment": "production",
		"debug":       false,
	})

	// Logging defaults
	viper.SetDefault("logging", map[string]any{
		"level":        "info",
		"format":       "json",
		"development":  false,
		"output_paths": []string{"stdout"},
	})

	// Ops server defaults
	viper.SetDefault("server", map[string]any{
		"port":          8070,
		"read_timeout":  "15s",
		"write_timeout": "15s",
		"idle_timeout":  "60s",
	})

	// Scheduler defaults
	viper.SetDefault("scheduler", map[string]any{
		"workers":           5,
		"max_queue_depth":   1000,
		"cron_interval":     "60s",
		"drain_timeout":     "30s",
		"history_limit":     500,
		"dead_letter_limit": 200,
		"retry_max_retries": 3,
		"retry_delay":       "30s",
	})

	// Resource budget defaults
	viper.SetDefault("resources", map[string]any{
		"limits": map[string]any{
			"max_cpu_percent":          80.0,
			"max_memory_percent":       85.0,
			"max_concurrent_workflows": 10,
			"max_api_calls_per_minute": 60,
			"max_queue_depth":          1000,
		},
		"sample_interval":    "30s",
		"call_window":        "60s",
		"max_throttle_delay": "5m",
		"fail_closed_after":  3,
	})

	// Workflow defaults
	viper.SetDefault("workflow", map[string]any{
		"result_history_limit": 200,
	})

	// Batch processor defaults
	viper.SetDefault("batch", map[string]any{
		"chunk_size":  100,
		"concurrency": 5,
	})

	// Operation monitor defaults
	viper.SetDefault("monitor", map[string]any{
		"retention_period":          "24h",
		"prune_interval":            "10m",
		"max_records_per_operation": 1000,
		"baseline_window":           20,
		"alert_history_limit":       500,
	})

	// Enhancement defaults (disabled until an API key is configured)
	viper.SetDefault("enhancement", map[string]any{
		"enabled":           false,
		"model":             "claude-sonnet-4-5-20250929",
		"max_tokens":        1024,
		"timeout":           "30s",
		"failure_threshold": 3,
		"cooldown":          "60s",
	})

	// Item store client defaults
	viper.SetDefault("itemstore", map[string]any{
		"rate_limit": 10.0,
		"rate_burst": 20,
		"timeout":    "30s",
	})

	// Profiling defaults
	viper.SetDefault("profiling", map[string]any{
		"enabled":        false,
		"server_address": "http://localhost:4040",
	})
}

// applyDebugOverrides switches logging based on APP_DEBUG / environment.
// Debug level can be forced in any environment; development formatting only
// applies in development.
func applyDebugOverrides() {
	if viper.GetBool("app.debug") {
		viper.Set("logging.level", "debug")
	}
	if viper.GetString("app.environment") == "development" {
		viper.Set("logging.development", true)
		viper.Set("logging.format", "console")
	}
}
