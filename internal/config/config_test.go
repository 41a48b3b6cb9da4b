package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "agentcrew", cfg.Name)
	assert.Equal(t, 3, cfg.Routing.MaxFallbackAttempts)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrentPipelines)
	assert.Equal(t, ".worktrees", cfg.Execution.WorktreeDir)
	assert.Equal(t, 0.80, cfg.Alerts.Thresholds.DailyCost)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Execution.MaxConcurrentPipelines, cfg.Execution.MaxConcurrentPipelines)
}

func TestLoadFullConfig(t *testing.T) {
	yaml := `
providers:
  anthropic:
    api_key: sk-test
    timeout: 60s
    max_retries: 3
    models:
      claude-test:
        pricing:
          inputPer1K: 0.003
          outputPer1K: 0.015
  openai:
    api_key: sk-other
    models:
      gpt-test:
        pricing:
          inputPer1K: 0.001
          outputPer1K: 0.002
limits:
  perProvider:
    anthropic:
      dailyBudgetUSD: 10
    openai:
      dailyBudgetUSD: 5
routing:
  default: anthropic:claude-test
  fallbacks:
    anthropic:claude-test:
      - openai:gpt-test
  maxFallbackAttempts: 2
  timezone: UTC
alerts:
  thresholds:
    dailyCost: 0.8
    monthlyCost: 0.9
execution:
  maxConcurrentPipelines: 2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Providers["anthropic"].APIKey)
	assert.Equal(t, 0.015, cfg.Providers["anthropic"].Models["claude-test"].Pricing.OutputPer1K)
	assert.Equal(t, 10.0, cfg.Limits.PerProvider["anthropic"].DailyBudgetUSD)
	assert.Equal(t, "anthropic:claude-test", cfg.Routing.Default)
	assert.Equal(t, []string{"openai:gpt-test"}, cfg.Routing.Fallbacks["anthropic:claude-test"])
	assert.Equal(t, 15.0, cfg.DailyCapTotal())

	loc, err := cfg.Routing.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	yaml := `
providers:
  a:
    models:
      m:
        pricing: {inputPer1K: 1, outputPer1K: 1}
totally_unknown_key: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"provider without models", func(c *Config) {
			c.Providers["p"] = ProviderConfig{}
		}},
		{"negative pricing", func(c *Config) {
			c.Providers["p"] = ProviderConfig{Models: map[string]ModelConfig{
				"m": {Pricing: PricingConfig{InputPer1K: -1}},
			}}
		}},
		{"limit for unknown provider", func(c *Config) {
			c.Limits.PerProvider["ghost"] = ProviderLimit{DailyBudgetUSD: 1}
		}},
		{"malformed default target", func(c *Config) {
			c.Providers["p"] = ProviderConfig{Models: map[string]ModelConfig{"m": {}}}
			c.Routing.Default = "not-a-target"
		}},
		{"unknown timezone", func(c *Config) {
			c.Routing.Timezone = "Mars/OlympusMons"
		}},
		{"zero workers", func(c *Config) {
			c.Execution.MaxConcurrentPipelines = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrideFillsAPIKey(t *testing.T) {
	t.Setenv("MYPROV_API_KEY", "from-env")

	cfg := DefaultConfig()
	cfg.Providers["myprov"] = ProviderConfig{Models: map[string]ModelConfig{"m": {}}}
	cfg.applyEnvOverrides()

	assert.Equal(t, "from-env", cfg.Providers["myprov"].APIKey)
}

func TestSplitTarget(t *testing.T) {
	prov, model, ok := SplitTarget("anthropic:claude-test")
	require.True(t, ok)
	assert.Equal(t, "anthropic", prov)
	assert.Equal(t, "claude-test", model)

	for _, bad := range []string{"", "noseparator", ":model", "prov:"} {
		_, _, ok := SplitTarget(bad)
		assert.False(t, ok, bad)
	}
}
