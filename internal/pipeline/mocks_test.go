package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcrew/internal/config"
	"agentcrew/internal/provider"
	"agentcrew/internal/router"
	"agentcrew/internal/tasks"
)

// scriptedClient is a fake provider.Client. Errors are consumed in order;
// once exhausted, every call succeeds with fixed usage.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	text  string
	in    int
	out   int
	calls int
}

func (c *scriptedClient) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	text := c.text
	if text == "" {
		text = "stage output"
	}
	in, out := c.in, c.out
	if in == 0 {
		in = 100
	}
	if out == 0 {
		out = 50
	}
	return &provider.Response{
		Text:         text,
		Model:        req.Model,
		InputTokens:  in,
		OutputTokens: out,
		Latency:      time.Millisecond,
	}, nil
}

func (c *scriptedClient) Validate(ctx context.Context) error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// harness bundles a machine over fake providers with its stores.
type harness struct {
	machine     *Machine
	checkpoints *CheckpointStore
	events      *Bus
	router      *router.Router
	registry    *provider.Registry
	store       *tasks.Store
	clients     map[string]*scriptedClient
}

type harnessOpts struct {
	providers map[string]config.ProviderConfig
	routing   config.RoutingConfig
	limits    config.LimitsConfig
	dailyCap  float64
}

// defaultHarnessOpts: one cheap provider "alpha:m1" with generous caps.
func defaultHarnessOpts() harnessOpts {
	return harnessOpts{
		providers: map[string]config.ProviderConfig{
			"alpha": {
				APIKey:     "k",
				MaxRetries: 3,
				Models: map[string]config.ModelConfig{
					"m1": {Pricing: config.PricingConfig{InputPer1K: 0.001, OutputPer1K: 0.002}, MaxOutputTokens: 1000},
				},
			},
		},
		routing: config.RoutingConfig{
			Default:             "alpha:m1",
			MaxFallbackAttempts: 3,
			HistorySize:         32,
			BackoffBase:         "1ms",
			BackoffCap:          "5ms",
		},
		limits:   config.LimitsConfig{PerProvider: map[string]config.ProviderLimit{"alpha": {DailyBudgetUSD: 100}}},
		dailyCap: 100,
	}
}

func newHarness(t *testing.T, opts harnessOpts, clients map[string]*scriptedClient) *harness {
	t.Helper()

	if clients == nil {
		clients = map[string]*scriptedClient{}
	}
	for name := range opts.providers {
		if _, ok := clients[name]; !ok {
			clients[name] = &scriptedClient{}
		}
	}

	reg := provider.NewRegistryWithFactory(func(family string, cfg provider.ClientConfig) provider.Client {
		return clients[cfg.Name]
	})
	for name, pc := range opts.providers {
		require.NoError(t, reg.Register(name, pc))
	}

	stateDir := t.TempDir()
	ledger, err := router.NewSpendLedger(stateDir, nil)
	require.NoError(t, err)
	rt, err := router.New(reg, opts.routing, opts.limits, ledger)
	require.NoError(t, err)

	store, err := tasks.NewStore(stateDir)
	require.NoError(t, err)
	cps, err := NewCheckpointStore(stateDir)
	require.NoError(t, err)
	bus := NewBus()

	m := NewMachine(Deps{
		Registry:            reg,
		Router:              rt,
		Tasks:               store,
		Checkpoints:         cps,
		Events:              bus,
		DailyCapUSD:         opts.dailyCap,
		DefaultStageTimeout: 5 * time.Second,
	})

	return &harness{
		machine:     m,
		checkpoints: cps,
		events:      bus,
		router:      rt,
		registry:    reg,
		store:       store,
		clients:     clients,
	}
}

// testAgent builds a minimal non-worktree agent definition.
func testAgent(id string, gate GatePolicy, maxRetries int) AgentDefinition {
	return AgentDefinition{
		ID:              id,
		Name:            id,
		Type:            AgentDesigner,
		MaxOutputTokens: 100,
		MaxRetries:      maxRetries,
		TimeoutMs:       2000,
		GatePolicy:      gate,
	}
}

func testTask() *tasks.Task {
	return &tasks.Task{
		ID:          "task-1",
		Title:       "Ship the feature",
		Description: "Implement and verify.",
		Priority:    tasks.PriorityNormal,
	}
}

// drain collects currently buffered events.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
