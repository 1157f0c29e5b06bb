// Package config provides the configuration of a Tabulify session.
//
// The configuration is organized into logical sections:
//   - Performance: batch sizes, feedback frequency, queue capacity and timeout
//   - Timeouts: connection open and ping timeouts
//   - Observability: logging, metrics and tracing
//   - Vault: location of the connection vault
//
// Example usage:
//
//	cfg := config.NewBaseConfig("tabul")
//	cfg.Performance.BatchSize = 5000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BaseConfig is the configuration shared by every component of a session.
type BaseConfig struct {
	// Name identifies the session (used in logs and metrics)
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Home is the directory holding the vault and temporary files
	Home string `yaml:"home" json:"home" mapstructure:"home"`

	// Performance settings control throughput and resource usage
	Performance PerformanceConfig `yaml:"performance" json:"performance" mapstructure:"performance"`

	// Timeouts define various timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`

	// Vault settings
	Vault VaultConfig `yaml:"vault" json:"vault" mapstructure:"vault"`
}

// PerformanceConfig contains the stream and transfer tuning knobs.
type PerformanceConfig struct {
	// BatchSize is the number of rows buffered by an insert stream before a flush
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// FeedbackFrequency logs progress every N-th batch (0 disables)
	FeedbackFrequency int `yaml:"feedback_frequency" json:"feedback_frequency" mapstructure:"feedback_frequency"`
	// QueueCapacity is the default capacity of a memory queue
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity" mapstructure:"queue_capacity"`
	// QueueTimeout bounds how long a queue reader or writer waits
	QueueTimeout time.Duration `yaml:"queue_timeout" json:"queue_timeout" mapstructure:"queue_timeout"`
}

// TimeoutConfig contains all timeout-related settings.
type TimeoutConfig struct {
	// Connection timeout for opening a backend
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	// Ping timeout for health checks
	Ping time.Duration `yaml:"ping" json:"ping" mapstructure:"ping"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// EnableMetrics exposes prometheus collectors
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddress is the listen address of the /metrics endpoint
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" mapstructure:"metrics_address"`
	// EnableTracing activates tracing of pipeline steps
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
}

// VaultConfig locates the connection vault.
type VaultConfig struct {
	// Path of the vault ini file
	Path string `yaml:"path" json:"path" mapstructure:"path"`
}

// NewBaseConfig creates a new BaseConfig with sensible defaults.
func NewBaseConfig(name string) *BaseConfig {
	home := defaultHome()
	return &BaseConfig{
		Name: name,
		Home: home,
		Performance: PerformanceConfig{
			BatchSize:         1000,
			FeedbackFrequency: 10,
			QueueCapacity:     1000,
			QueueTimeout:      10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Connection: 10 * time.Second,
			Ping:       5 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogEncoding:    "console",
			EnableMetrics:  false,
			MetricsAddress: ":9090",
			EnableTracing:  false,
		},
		Vault: VaultConfig{
			Path: filepath.Join(home, "connections.ini"),
		},
	}
}

// Validate validates the configuration for correctness.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if bc.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if bc.Performance.FeedbackFrequency < 0 {
		return fmt.Errorf("feedback_frequency cannot be negative")
	}
	if bc.Performance.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if bc.Performance.QueueTimeout <= 0 {
		return fmt.Errorf("queue_timeout must be positive")
	}
	if bc.Vault.Path == "" {
		return fmt.Errorf("vault path is required")
	}
	return nil
}

func defaultHome() string {
	if home := os.Getenv("TABUL_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".tabul")
	}
	return filepath.Join(os.TempDir(), "tabul")
}
