package config

import (
	"fmt"
	"time"
)

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	APIKey     string                 `yaml:"api_key"`
	BaseURL    string                 `yaml:"base_url"`
	Timeout    string                 `yaml:"timeout"`
	MaxRetries int                    `yaml:"max_retries"`
	Headers    map[string]string      `yaml:"headers"`
	Models     map[string]ModelConfig `yaml:"models"`
}

// ModelConfig configures one model of a provider.
type ModelConfig struct {
	Pricing PricingConfig `yaml:"pricing"`

	// Hard limits; zero means the provider default applies.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// PricingConfig holds per-1K-token rates in USD.
type PricingConfig struct {
	InputPer1K  float64 `yaml:"inputPer1K"`
	OutputPer1K float64 `yaml:"outputPer1K"`
}

// LimitsConfig holds spend limits.
type LimitsConfig struct {
	PerProvider map[string]ProviderLimit `yaml:"perProvider"`
}

// ProviderLimit caps one provider's daily spend.
type ProviderLimit struct {
	DailyBudgetUSD float64 `yaml:"dailyBudgetUSD"`
}

// TimeoutDuration parses the provider timeout, defaulting to 120s.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

func (p ProviderConfig) validate(name string) error {
	if len(p.Models) == 0 {
		return fmt.Errorf("providers.%s: at least one model is required", name)
	}
	for model, mc := range p.Models {
		if mc.Pricing.InputPer1K < 0 || mc.Pricing.OutputPer1K < 0 {
			return fmt.Errorf("providers.%s.models.%s: pricing must not be negative", name, model)
		}
	}
	if p.Timeout != "" {
		if _, err := time.ParseDuration(p.Timeout); err != nil {
			return fmt.Errorf("providers.%s.timeout: invalid duration %q", name, p.Timeout)
		}
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("providers.%s.max_retries must not be negative", name)
	}
	return nil
}
