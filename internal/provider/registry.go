package provider

import (
	"context"
	"sync"
	"sync/atomic"

	"agentcrew/internal/config"
	"agentcrew/internal/logging"
)

// entry is the immutable registered state for one provider. A registration
// replaces the whole entry; readers always see a consistent one.
type entry struct {
	name       string
	cfg        config.ProviderConfig
	descriptor Descriptor
	pricing    map[string]Pricing // model -> pricing
	client     Client
	valid      bool
}

// snapshot is the lock-free read view. Register swaps in a fresh map copy.
type snapshot map[string]*entry

// Registry holds provider handles, capability descriptors and pricing (C1).
// Mutation is serialised under mu; reads go through an atomic snapshot.
type Registry struct {
	mu        sync.Mutex
	view      atomic.Value // snapshot
	tokenizer *Tokenizer
	factory   func(family string, cfg ClientConfig) Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		tokenizer: NewTokenizer(),
		factory:   newClient,
	}
	r.view.Store(snapshot{})
	return r
}

// NewRegistryWithFactory creates a registry with a custom client factory.
// Used by tests to substitute fake providers; the production factory fails
// loudly on invocation when a provider is not reachable.
func NewRegistryWithFactory(factory func(family string, cfg ClientConfig) Client) *Registry {
	r := NewRegistry()
	if factory != nil {
		r.factory = factory
	}
	return r
}

// Register installs or atomically replaces a provider. Idempotent.
func (r *Registry) Register(name string, cfg config.ProviderConfig) error {
	if name == "" {
		return NewError(KindValidation, "provider name must not be empty")
	}
	if len(cfg.Models) == 0 {
		return NewError(KindConfig, "provider %s: at least one model is required", name)
	}

	pricing := make(map[string]Pricing, len(cfg.Models))
	for model, mc := range cfg.Models {
		pricing[model] = Pricing{
			InputPer1K:  mc.Pricing.InputPer1K,
			OutputPer1K: mc.Pricing.OutputPer1K,
		}
	}

	family := familyOf(name)
	client := r.factory(family, ClientConfig{
		Name:    name,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.TimeoutDuration(),
		Headers: cfg.Headers,
	})

	e := &entry{
		name:       name,
		cfg:        cfg,
		descriptor: defaultDescriptor(family),
		pricing:    pricing,
		client:     client,
		valid:      true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.swap(func(s snapshot) { s[name] = e })

	logging.Provider("Registered provider %s (family=%s, models=%d)", name, family, len(pricing))
	return nil
}

// Validate performs a credential round-trip for one provider and records the
// outcome. A failed validation marks the provider invalid for the run.
func (r *Registry) Validate(ctx context.Context, name string) bool {
	e, ok := r.get(name)
	if !ok {
		return false
	}
	err := e.client.Validate(ctx)
	ok = err == nil
	if !ok {
		logging.Provider("Provider %s failed validation: %v", name, err)
	}
	r.setValid(name, ok)
	return ok
}

// ValidateAll validates every provider. Individual failures are non-fatal;
// every provider failing is fatal at system start.
func (r *Registry) ValidateAll(ctx context.Context) error {
	s := r.load()
	if len(s) == 0 {
		return NewError(KindConfig, "no providers registered")
	}
	anyValid := false
	for name := range s {
		if r.Validate(ctx, name) {
			anyValid = true
		}
	}
	if !anyValid {
		return NewError(KindConfig, "no provider passed credential validation")
	}
	return nil
}

// Invoke passes a request through to the named provider. Errors are
// normalized to *Error by the client layer.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (*Response, error) {
	e, ok := r.get(name)
	if !ok {
		return nil, NewError(KindValidation, "unknown provider %q", name)
	}
	resp, err := e.client.Invoke(ctx, req)
	if err != nil {
		// An auth failure disqualifies the provider for the rest of the run.
		if KindOf(err) == KindAuth {
			r.setValid(name, false)
		}
		return nil, err
	}
	return resp, nil
}

// Tokenize estimates tokens for text on a provider's model.
func (r *Registry) Tokenize(name, model, text string) int {
	return r.tokenizer.EstimateTokens(name, model, text)
}

// Tokenizer exposes the shared tokenizer for cost estimation.
func (r *Registry) Tokenizer() *Tokenizer { return r.tokenizer }

// IsValid reports whether the provider is registered and currently valid.
func (r *Registry) IsValid(name string) bool {
	e, ok := r.get(name)
	return ok && e.valid
}

// Descriptor returns the capability descriptor for a provider.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	e, ok := r.get(name)
	if !ok {
		return Descriptor{}, false
	}
	return e.descriptor, true
}

// PricingFor returns the pricing for a provider:model pair.
func (r *Registry) PricingFor(name, model string) (Pricing, bool) {
	e, ok := r.get(name)
	if !ok {
		return Pricing{}, false
	}
	p, ok := e.pricing[model]
	return p, ok
}

// MaxOutputTokensFor returns the configured model output cap, falling back to
// the provider descriptor limit.
func (r *Registry) MaxOutputTokensFor(name, model string) int {
	e, ok := r.get(name)
	if !ok {
		return 0
	}
	if mc, ok := e.cfg.Models[model]; ok && mc.MaxOutputTokens > 0 {
		return mc.MaxOutputTokens
	}
	return e.descriptor.MaxOutputTokens
}

// MaxRetriesFor returns how many attempts a target gets before the routing
// layer excludes it. Zero config means a single attempt.
func (r *Registry) MaxRetriesFor(name string) int {
	e, ok := r.get(name)
	if !ok || e.cfg.MaxRetries <= 0 {
		return 1
	}
	return e.cfg.MaxRetries
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	s := r.load()
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// Targets returns every registered provider:model pair.
func (r *Registry) Targets() []string {
	s := r.load()
	targets := make([]string, 0)
	for name, e := range s {
		for model := range e.pricing {
			targets = append(targets, name+":"+model)
		}
	}
	return targets
}

func (r *Registry) load() snapshot {
	return r.view.Load().(snapshot)
}

func (r *Registry) get(name string) (*entry, bool) {
	e, ok := r.load()[name]
	return e, ok
}

// swap copies the snapshot, applies fn, and publishes the copy.
// Callers must hold mu.
func (r *Registry) swap(fn func(snapshot)) {
	old := r.load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.view.Store(next)
}

func (r *Registry) setValid(name string, valid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.load()[name]
	if !ok || old.valid == valid {
		return
	}
	copied := *old
	copied.valid = valid
	r.swap(func(s snapshot) { s[name] = &copied })
}
