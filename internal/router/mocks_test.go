package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcrew/internal/config"
	"agentcrew/internal/provider"
)

// stubClient satisfies provider.Client; router tests never invoke providers.
type stubClient struct{}

func (stubClient) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return &provider.Response{Text: "ok"}, nil
}

func (stubClient) Validate(ctx context.Context) error { return nil }

// newRegistry builds a stub-backed registry for router tests.
func newRegistry(t *testing.T, providers map[string]config.ProviderConfig) *provider.Registry {
	t.Helper()
	r := provider.NewRegistryWithFactory(func(family string, cfg provider.ClientConfig) provider.Client {
		return stubClient{}
	})
	for name, cfg := range providers {
		require.NoError(t, r.Register(name, cfg))
	}
	return r
}

func modelCfg(inputPer1K, outputPer1K float64, maxOut int) config.ModelConfig {
	return config.ModelConfig{
		Pricing:         config.PricingConfig{InputPer1K: inputPer1K, OutputPer1K: outputPer1K},
		MaxOutputTokens: maxOut,
	}
}

func newLedger(t *testing.T) *SpendLedger {
	t.Helper()
	l, err := NewSpendLedger(t.TempDir(), nil)
	require.NoError(t, err)
	return l
}
