package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"agentcrew/internal/logging"
)

// Config holds all agentcrew configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Provider configuration, keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Spend limits
	Limits LimitsConfig `yaml:"limits"`

	// Routing defaults and fallback chains
	Routing RoutingConfig `yaml:"routing"`

	// Alert thresholds
	Alerts AlertsConfig `yaml:"alerts"`

	// Execution settings (worker pool, worktrees, timeouts)
	Execution ExecutionConfig `yaml:"execution"`

	// Per-agent profile overrides, keyed by agent id.
	AgentProfiles map[string]AgentProfile `yaml:"agent_profiles"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "agentcrew",
		Version: "1.0.0",

		Providers: map[string]ProviderConfig{},

		Limits: LimitsConfig{
			PerProvider: map[string]ProviderLimit{},
		},

		Routing: RoutingConfig{
			MaxFallbackAttempts: 3,
			Timezone:            "Local",
			HistorySize:         256,
			BackoffBase:         "1s",
			BackoffCap:          "10s",
		},

		Alerts: AlertsConfig{
			Thresholds: AlertThresholds{
				DailyCost:   0.80,
				MonthlyCost: 0.80,
			},
		},

		Execution: ExecutionConfig{
			MaxConcurrentPipelines: 3,
			WorktreeDir:            ".worktrees",
			StateDir:               ".agentcrew",
			DefaultStageTimeout:    "120s",
			SettingsFiles: []string{
				"AGENTS.md",
				".editorconfig",
				".env.local",
				"package.json",
				"go.mod",
			},
		},

		AgentProfiles: map[string]AgentProfile{},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the given path. A missing file yields the
// defaults; a present but malformed file is an error. Unknown keys are
// rejected so typos do not silently disable limits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Config("No config file at %s, using defaults", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Config("Loaded config from %s (%d providers)", path, len(cfg.Providers))
	return cfg, nil
}

// DefaultConfigPath returns the conventional config location in a workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".agentcrew", "config.yaml")
}

// applyEnvOverrides fills in API keys from the environment when the config
// file leaves them empty. The env var name follows the provider name, e.g.
// ANTHROPIC_API_KEY for a provider called "anthropic".
func (c *Config) applyEnvOverrides() {
	for name, pc := range c.Providers {
		if pc.APIKey == "" {
			if key := os.Getenv(envKeyFor(name)); key != "" {
				pc.APIKey = key
				c.Providers[name] = pc
			}
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	for name, pc := range c.Providers {
		if err := pc.validate(name); err != nil {
			return err
		}
	}

	for name := range c.Limits.PerProvider {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("limits.perProvider.%s references unknown provider", name)
		}
		if c.Limits.PerProvider[name].DailyBudgetUSD < 0 {
			return fmt.Errorf("limits.perProvider.%s.dailyBudgetUSD must not be negative", name)
		}
	}

	if c.Routing.Default != "" {
		if err := validateTarget(c, c.Routing.Default, "routing.default"); err != nil {
			return err
		}
	}
	for primary, chain := range c.Routing.Fallbacks {
		if err := validateTarget(c, primary, "routing.fallbacks key"); err != nil {
			return err
		}
		for _, t := range chain {
			if err := validateTarget(c, t, fmt.Sprintf("routing.fallbacks.%s", primary)); err != nil {
				return err
			}
		}
	}
	if c.Routing.MaxFallbackAttempts < 0 {
		return fmt.Errorf("routing.maxFallbackAttempts must not be negative")
	}
	if _, err := c.Routing.Location(); err != nil {
		return err
	}
	if _, err := c.Routing.BackoffBaseDuration(); err != nil {
		return err
	}
	if _, err := c.Routing.BackoffCapDuration(); err != nil {
		return err
	}

	if c.Alerts.Thresholds.DailyCost < 0 || c.Alerts.Thresholds.DailyCost > 1 {
		return fmt.Errorf("alerts.thresholds.dailyCost must be in [0,1]")
	}

	if c.Execution.MaxConcurrentPipelines < 1 {
		return fmt.Errorf("execution.maxConcurrentPipelines must be >= 1")
	}
	if _, err := c.Execution.StageTimeout(); err != nil {
		return err
	}

	for id, profile := range c.AgentProfiles {
		if profile.MaxRetries < 0 {
			return fmt.Errorf("agent_profiles.%s.maxRetries must not be negative", id)
		}
		if profile.TimeoutMs < 0 {
			return fmt.Errorf("agent_profiles.%s.timeoutMs must not be negative", id)
		}
	}

	return nil
}

// DailyCapTotal sums all per-provider daily budgets. This is the cap the
// pipeline checks before each stage.
func (c *Config) DailyCapTotal() float64 {
	total := 0.0
	for _, l := range c.Limits.PerProvider {
		total += l.DailyBudgetUSD
	}
	return total
}

// LoggingSettings converts the config section into logging.Settings.
func (c *Config) LoggingSettings() logging.Settings {
	return logging.Settings{
		DebugMode:  c.Logging.DebugMode,
		Categories: c.Logging.Categories,
		Level:      c.Logging.Level,
	}
}

func validateTarget(c *Config, target, where string) error {
	prov, _, ok := SplitTarget(target)
	if !ok {
		return fmt.Errorf("%s: %q is not of form provider:model", where, target)
	}
	if _, exists := c.Providers[prov]; !exists {
		return fmt.Errorf("%s: unknown provider %q", where, prov)
	}
	return nil
}

// SplitTarget splits "provider:model" into its parts.
func SplitTarget(target string) (provider, model string, ok bool) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			if i == 0 || i == len(target)-1 {
				return "", "", false
			}
			return target[:i], target[i+1:], true
		}
	}
	return "", "", false
}

func envKeyFor(provider string) string {
	out := make([]byte, 0, len(provider)+8)
	for i := 0; i < len(provider); i++ {
		ch := provider[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if ch == '-' {
			ch = '_'
		}
		out = append(out, ch)
	}
	return string(out) + "_API_KEY"
}

func parseDuration(s, field string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	return d, nil
}
