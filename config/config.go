// Package config loads the orchestrator configuration from YAML with
// sensible defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RunnerConfig tunes background task execution
type RunnerConfig struct {
	// MaxRetries is the retry budget for transient stage failures
	MaxRetries int `yaml:"maxRetries"`
	// BaseRetryDelay is the delay before the first retry
	BaseRetryDelay Duration `yaml:"baseRetryDelay"`
	// MaxRetryDelay caps the exponential backoff
	MaxRetryDelay Duration `yaml:"maxRetryDelay"`
	// BackoffMultiplier scales the delay between consecutive retries
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	// MaxIterations caps stage executions per task
	MaxIterations int `yaml:"maxIterations"`
	// CallTimeout bounds each external generation call
	CallTimeout Duration `yaml:"callTimeout"`
}

// ResearchConfig tunes the research subflow
type ResearchConfig struct {
	MaxConcurrent int `yaml:"maxConcurrent"`
	FollowUpLimit int `yaml:"followUpLimit"`
	MaxPhases     int `yaml:"maxPhases"`
}

// ConnectionConfig tunes observer connections
type ConnectionConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	InputTimeout      Duration `yaml:"inputTimeout"`
}

// AMQPConfig configures the optional event relay to a message broker
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Config is the root configuration
type Config struct {
	Runner     RunnerConfig     `yaml:"runner"`
	Research   ResearchConfig   `yaml:"research"`
	Connection ConnectionConfig `yaml:"connection"`
	AMQP       AMQPConfig       `yaml:"amqp"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			MaxRetries:        3,
			BaseRetryDelay:    Duration(2 * time.Second),
			MaxRetryDelay:     Duration(2 * time.Minute),
			BackoffMultiplier: 2.0,
			MaxIterations:     50,
			CallTimeout:       Duration(2 * time.Minute),
		},
		Research: ResearchConfig{
			MaxConcurrent: 4,
			FollowUpLimit: 3,
			MaxPhases:     3,
		},
		Connection: ConnectionConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			InputTimeout:      Duration(24 * time.Hour),
		},
		AMQP: AMQPConfig{
			URL:      "amqp://localhost:5672",
			Exchange: "draftflow.events",
		},
	}
}

// Load reads the YAML file at path over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	if c.Runner.MaxRetries < 0 {
		return fmt.Errorf("runner.maxRetries cannot be negative")
	}
	if c.Runner.BackoffMultiplier < 1 {
		return fmt.Errorf("runner.backoffMultiplier must be at least 1")
	}
	if c.Runner.MaxIterations <= 0 {
		return fmt.Errorf("runner.maxIterations must be positive")
	}
	if c.Research.MaxConcurrent <= 0 {
		return fmt.Errorf("research.maxConcurrent must be positive")
	}
	if c.Research.MaxPhases <= 0 {
		return fmt.Errorf("research.maxPhases must be positive")
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp.url is required when the relay is enabled")
	}
	return nil
}
