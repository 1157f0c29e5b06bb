package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (TABUL_PERFORMANCE_BATCH_SIZE)
const EnvPrefix = "TABUL"

// LoadFile loads a BaseConfig from an optional YAML file with environment
// overrides. An empty path returns the defaults plus the environment.
func LoadFile(path string) (*BaseConfig, error) {
	cfg := NewBaseConfig("tabul")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *BaseConfig) {
	v.SetDefault("name", cfg.Name)
	v.SetDefault("home", cfg.Home)
	v.SetDefault("performance.batch_size", cfg.Performance.BatchSize)
	v.SetDefault("performance.feedback_frequency", cfg.Performance.FeedbackFrequency)
	v.SetDefault("performance.queue_capacity", cfg.Performance.QueueCapacity)
	v.SetDefault("performance.queue_timeout", cfg.Performance.QueueTimeout)
	v.SetDefault("timeouts.connection", cfg.Timeouts.Connection)
	v.SetDefault("timeouts.ping", cfg.Timeouts.Ping)
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_encoding", cfg.Observability.LogEncoding)
	v.SetDefault("observability.enable_metrics", cfg.Observability.EnableMetrics)
	v.SetDefault("observability.metrics_address", cfg.Observability.MetricsAddress)
	v.SetDefault("observability.enable_tracing", cfg.Observability.EnableTracing)
	v.SetDefault("vault.path", cfg.Vault.Path)
}

// Load loads a YAML document into out after environment substitution
func Load(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExpandEnv replaces ${VAR_NAME} with the value of a defined environment
// variable. References to undefined variables are left untouched so that
// step templates such as ${path} survive.
func ExpandEnv(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		varName := content[start+2 : end]
		if value, ok := os.LookupEnv(varName); ok {
			b.WriteString(value)
		} else {
			b.WriteString(content[start : end+1])
		}
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
