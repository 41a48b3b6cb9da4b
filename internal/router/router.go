package router

import (
	"sort"
	"sync"
	"time"

	"agentcrew/internal/config"
	"agentcrew/internal/logging"
	"agentcrew/internal/provider"
)

// Router picks a (provider, model) target per stage invocation under
// capability, capacity and budget constraints, and rotates on failure (C3).
type Router struct {
	registry *provider.Registry
	cfg      config.RoutingConfig
	limits   config.LimitsConfig
	ledger   *SpendLedger
	history  *decisionHistory

	backoffBase time.Duration
	backoffCap  time.Duration

	mu         sync.Mutex
	callCounts map[string]int64       // provider -> completed calls
	latencies  map[string]*callStats  // target -> rolling latency
	now        func() time.Time
}

type callStats struct {
	count   int64
	totalNs int64
}

func (s *callStats) avg() time.Duration {
	if s == nil || s.count == 0 {
		return 0
	}
	return time.Duration(s.totalNs / s.count)
}

// New creates a router.
func New(registry *provider.Registry, cfg config.RoutingConfig, limits config.LimitsConfig, ledger *SpendLedger) (*Router, error) {
	base, err := cfg.BackoffBaseDuration()
	if err != nil {
		return nil, err
	}
	cap, err := cfg.BackoffCapDuration()
	if err != nil {
		return nil, err
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 256
	}
	return &Router{
		registry:    registry,
		cfg:         cfg,
		limits:      limits,
		ledger:      ledger,
		history:     newDecisionHistory(size),
		backoffBase: base,
		backoffCap:  cap,
		callCounts:  make(map[string]int64),
		latencies:   make(map[string]*callStats),
		now:         time.Now,
	}, nil
}

// candidate is one target under consideration with its tier and price.
type candidate struct {
	target  Target
	tier    Tier
	estCost float64
}

// Pick deterministically selects a target for the route context. Pure with
// respect to the current budget snapshot and excluded set; performs no I/O.
func (r *Router) Pick(rc Context) (*Decision, error) {
	tiers := r.tiers(rc)

	sawBudgetReject := false
	for _, tier := range tiers {
		eligible := make([]candidate, 0, len(tier))
		for _, c := range tier {
			ok, budgetReject := r.eligible(rc, &c)
			if budgetReject {
				sawBudgetReject = true
			}
			if ok {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			continue
		}

		r.rank(rc.Priority, eligible)
		chosen := eligible[0]

		d := &Decision{
			Target:        chosen.target,
			Tier:          chosen.tier,
			Reason:        r.reason(rc, chosen),
			EstimatedCost: chosen.estCost,
			Timestamp:     r.now(),
			Context:       rc,
		}
		r.history.add(*d)
		logging.Router("Pick agent=%s -> %s (tier=%s, est=$%.4f)", rc.AgentID, chosen.target, chosen.tier, chosen.estCost)
		return d, nil
	}

	if sawBudgetReject {
		return nil, provider.NewError(provider.KindNoTarget,
			"no target available: remaining candidates exceed daily spend caps")
	}
	return nil, provider.NewError(provider.KindNoTarget,
		"no target available: capability, validity or exclusion constraints eliminated all candidates")
}

// RecordCall charges a completed invocation against the ledger and updates
// call counters and latency history. Returns the provider's accumulated
// daily spend after the charge.
func (r *Router) RecordCall(t Target, latency time.Duration, costUSD float64) float64 {
	total := r.ledger.Charge(t.Provider, costUSD)

	r.mu.Lock()
	r.callCounts[t.Provider]++
	s := r.latencies[t.String()]
	if s == nil {
		s = &callStats{}
		r.latencies[t.String()] = s
	}
	s.count++
	s.totalNs += int64(latency)
	r.mu.Unlock()

	logging.Budget("Charged %s $%.4f (provider day total $%.4f)", t, costUSD, total)
	return total
}

// BackoffFor computes the wait before retry attempt n (0-based). A rate-limit
// retry-after hint overrides the exponential schedule.
func (r *Router) BackoffFor(attempt int, err error) time.Duration {
	if hint := provider.RetryAfterOf(err); hint > 0 {
		return hint
	}
	if attempt < 0 {
		attempt = 0
	}
	d := r.backoffBase << uint(attempt)
	if d > r.backoffCap || d <= 0 {
		d = r.backoffCap
	}
	return d
}

// MaxFallbackAttempts bounds how many failing targets one stage invocation
// may exclude and rotate past. Zero means no fallback rotation at all.
func (r *Router) MaxFallbackAttempts() int {
	return r.cfg.MaxFallbackAttempts
}

// DailyCapTotal sums all configured per-provider caps.
func (r *Router) DailyCapTotal() float64 {
	total := 0.0
	for _, l := range r.limits.PerProvider {
		total += l.DailyBudgetUSD
	}
	return total
}

// Ledger exposes the spend ledger.
func (r *Router) Ledger() *SpendLedger { return r.ledger }

// CallCounts returns a copy of the per-provider call counters.
func (r *Router) CallCounts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.callCounts))
	for k, v := range r.callCounts {
		out[k] = v
	}
	return out
}

// RecentDecisions returns up to n decisions, newest first.
func (r *Router) RecentDecisions(n int) []Decision {
	return r.history.recent(n)
}

// HistoryLen reports how many decisions are retained.
func (r *Router) HistoryLen() int { return r.history.len() }

// tiers expands the configured fallback chain into tier-ordered candidate
// groups. With no configured default, every registered target competes at the
// primary tier.
func (r *Router) tiers(rc Context) [][]candidate {
	chain := []string{}
	if r.cfg.Default != "" {
		chain = append(chain, r.cfg.Default)
		chain = append(chain, r.cfg.Fallbacks[r.cfg.Default]...)
	}

	if len(chain) == 0 {
		targets := r.registry.Targets()
		sort.Strings(targets)
		group := make([]candidate, 0, len(targets))
		for _, t := range targets {
			prov, model, ok := config.SplitTarget(t)
			if !ok {
				continue
			}
			group = append(group, candidate{target: Target{Provider: prov, Model: model}, tier: TierPrimary})
		}
		return [][]candidate{group}
	}

	out := make([][]candidate, 0, len(chain))
	for i, t := range chain {
		prov, model, ok := config.SplitTarget(t)
		if !ok {
			continue
		}
		tier := TierPrimary
		switch {
		case i == 0:
			tier = TierPrimary
		case i == len(chain)-1 && len(chain) > 2:
			tier = TierEmergency
		default:
			tier = TierFallback
		}
		out = append(out, []candidate{{target: Target{Provider: prov, Model: model}, tier: tier}})
	}
	return out
}

// eligible applies the pick constraints to one candidate and fills in its
// estimated cost. The second return reports a rejection purely on budget.
func (r *Router) eligible(rc Context, c *candidate) (ok bool, budgetReject bool) {
	t := c.target

	if !r.registry.IsValid(t.Provider) {
		return false, false
	}
	desc, found := r.registry.Descriptor(t.Provider)
	if !found || !desc.HasAll(rc.RequiredCapabilities) {
		return false, false
	}
	if rc.IsExcluded(t) {
		return false, false
	}
	pricing, found := r.registry.PricingFor(t.Provider, t.Model)
	if !found {
		return false, false
	}

	maxOut := rc.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = r.registry.MaxOutputTokensFor(t.Provider, t.Model)
	}
	c.estCost = r.registry.Tokenizer().EstimateCost(rc.EstimatedInputTokens, maxOut, pricing)

	if rc.BudgetCeilingUSD > 0 && c.estCost > rc.BudgetCeilingUSD {
		return false, true
	}
	if limit, capped := r.limits.PerProvider[t.Provider]; capped && limit.DailyBudgetUSD > 0 {
		if r.ledger.Accumulated(t.Provider)+c.estCost > limit.DailyBudgetUSD {
			return false, true
		}
	}
	return true, false
}

// rank orders eligible candidates: lowest cost for low/normal priority,
// lowest observed latency for high/critical. Ties break on cost then name so
// the pick stays deterministic.
func (r *Router) rank(priority string, cands []candidate) {
	latencySensitive := priority == "high" || priority == "critical"

	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if latencySensitive {
			la := r.latencies[a.target.String()].avg()
			lb := r.latencies[b.target.String()].avg()
			if la != lb {
				return la < lb
			}
		}
		if a.estCost != b.estCost {
			return a.estCost < b.estCost
		}
		return a.target.String() < b.target.String()
	})
}

func (r *Router) reason(rc Context, c candidate) string {
	switch c.tier {
	case TierPrimary:
		return "primary target satisfies capabilities within budget"
	case TierFallback:
		return "fallback tier: primary excluded, over budget or invalid"
	default:
		return "emergency tier: all earlier tiers exhausted"
	}
}
