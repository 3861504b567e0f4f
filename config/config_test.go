package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "draftflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Runner.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Runner.BaseRetryDelay.Std())
	assert.Equal(t, 4, cfg.Research.MaxConcurrent)
	assert.Equal(t, 24*time.Hour, cfg.Connection.InputTimeout.Std())
	assert.False(t, cfg.AMQP.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
runner:
  maxRetries: 5
  baseRetryDelay: 500ms
research:
  maxConcurrent: 8
connection:
  inputTimeout: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Runner.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Runner.BaseRetryDelay.Std())
	assert.Equal(t, 8, cfg.Research.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Connection.InputTimeout.Std())

	// Untouched fields keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.Runner.MaxRetryDelay.Std())
	assert.Equal(t, 3, cfg.Research.FollowUpLimit)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
runner:
  callTimeout: soon
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"NegativeRetries", func(c *Config) { c.Runner.MaxRetries = -1 }},
		{"MultiplierBelowOne", func(c *Config) { c.Runner.BackoffMultiplier = 0.5 }},
		{"ZeroIterations", func(c *Config) { c.Runner.MaxIterations = 0 }},
		{"ZeroConcurrency", func(c *Config) { c.Research.MaxConcurrent = 0 }},
		{"ZeroPhases", func(c *Config) { c.Research.MaxPhases = 0 }},
		{"RelayWithoutURL", func(c *Config) { c.AMQP.Enabled = true; c.AMQP.URL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
