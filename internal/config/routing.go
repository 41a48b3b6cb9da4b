package config

import (
	"fmt"
	"time"
)

// RoutingConfig holds the router defaults and fallback chains.
type RoutingConfig struct {
	// Default is the primary target ("provider:model"). When set, every pick
	// walks Default and then its fallback chain, whatever the route context
	// carries; targets outside that chain are not considered. When empty,
	// every registered target competes at the primary tier.
	Default string `yaml:"default"`

	// Fallbacks maps a primary target to its ordered fallback chain.
	Fallbacks map[string][]string `yaml:"fallbacks"`

	// MaxFallbackAttempts bounds how many failing targets one stage
	// invocation may exclude and rotate past. Zero disables fallback rotation.
	MaxFallbackAttempts int `yaml:"maxFallbackAttempts"`

	// Timezone for daily spend counter reset. "Local" or an IANA name.
	Timezone string `yaml:"timezone"`

	// HistorySize is the capacity of the route-decision ring buffer.
	HistorySize int `yaml:"historySize"`

	// Backoff settings for retryable provider failures.
	BackoffBase string `yaml:"backoffBase"`
	BackoffCap  string `yaml:"backoffCap"`
}

// AlertsConfig holds notification thresholds.
type AlertsConfig struct {
	Thresholds AlertThresholds `yaml:"thresholds"`
}

// AlertThresholds are fractions of the daily/monthly cap at which a warning
// alert fires. A fully exceeded cap always produces an error alert.
type AlertThresholds struct {
	DailyCost   float64 `yaml:"dailyCost"`
	MonthlyCost float64 `yaml:"monthlyCost"`
}

// Location resolves the configured timezone.
func (r RoutingConfig) Location() (*time.Location, error) {
	if r.Timezone == "" || r.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("routing.timezone: unknown timezone %q", r.Timezone)
	}
	return loc, nil
}

// BackoffBaseDuration parses the backoff base, defaulting to 1s.
func (r RoutingConfig) BackoffBaseDuration() (time.Duration, error) {
	return parseDuration(r.BackoffBase, "routing.backoffBase", time.Second)
}

// BackoffCapDuration parses the backoff cap, defaulting to 10s.
func (r RoutingConfig) BackoffCapDuration() (time.Duration, error) {
	return parseDuration(r.BackoffCap, "routing.backoffCap", 10*time.Second)
}
