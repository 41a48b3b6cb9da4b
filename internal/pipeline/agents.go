package pipeline

import (
	"time"

	"agentcrew/internal/config"
	"agentcrew/internal/provider"
)

// AgentType tags an agent's role in the roster.
type AgentType string

const (
	AgentOrchestrator AgentType = "orchestrator"
	AgentDesigner     AgentType = "designer"
	AgentImplementer  AgentType = "implementer"
	AgentValidator    AgentType = "validator"
	AgentDocumenter   AgentType = "documenter"
)

// AgentDefinition pairs a role with its capability profile and stage bounds.
type AgentDefinition struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Type            AgentType             `json:"type"`
	Capabilities    []provider.Capability `json:"capabilities"`
	UseWorktree     bool                  `json:"use_worktree"`
	MaxOutputTokens int                   `json:"max_output_tokens"`
	MaxRetries      int                   `json:"max_retries"`
	TimeoutMs       int                   `json:"timeout_ms"`
	GatePolicy      GatePolicy            `json:"gate_policy"`
	SystemPrompt    string                `json:"system_prompt,omitempty"`
}

// StageTimeout returns the stage timeout as a duration, with fallback.
func (a AgentDefinition) StageTimeout(fallback time.Duration) time.Duration {
	if a.TimeoutMs > 0 {
		return time.Duration(a.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// DefaultRoster returns the default five-agent pipeline in execution order.
func DefaultRoster() []AgentDefinition {
	return []AgentDefinition{
		{
			ID:              "orchestrator",
			Name:            "Orchestrator",
			Type:            AgentOrchestrator,
			Capabilities:    []provider.Capability{provider.CapabilityStructuredJSON},
			MaxOutputTokens: 2048,
			MaxRetries:      2,
			TimeoutMs:       60000,
			GatePolicy:      GateAutoAdvance,
			SystemPrompt:    "Break the task into an execution brief for the downstream agents.",
		},
		{
			ID:              "designer",
			Name:            "Designer",
			Type:            AgentDesigner,
			Capabilities:    []provider.Capability{provider.CapabilityStructuredJSON},
			MaxOutputTokens: 4096,
			MaxRetries:      2,
			TimeoutMs:       120000,
			GatePolicy:      GateAutoAdvance,
			SystemPrompt:    "Produce a design for the task: interfaces, data flow, edge cases.",
		},
		{
			ID:              "implementer",
			Name:            "Implementer",
			Type:            AgentImplementer,
			Capabilities:    []provider.Capability{provider.CapabilityTools},
			UseWorktree:     true,
			MaxOutputTokens: 8192,
			MaxRetries:      3,
			TimeoutMs:       300000,
			GatePolicy:      GateAutoAdvance,
			SystemPrompt:    "Implement the design. Emit complete file contents for every change.",
		},
		{
			ID:              "validator",
			Name:            "Validator",
			Type:            AgentValidator,
			Capabilities:    []provider.Capability{provider.CapabilityTools},
			MaxOutputTokens: 4096,
			MaxRetries:      2,
			TimeoutMs:       180000,
			GatePolicy:      GateAutoAdvance,
			SystemPrompt:    "Review the implementation against the design. Report PASS or FAIL with reasons.",
		},
		{
			ID:              "documenter",
			Name:            "Documenter",
			Type:            AgentDocumenter,
			Capabilities:    []provider.Capability{},
			MaxOutputTokens: 4096,
			MaxRetries:      1,
			TimeoutMs:       120000,
			GatePolicy:      GateBestEffort,
			SystemPrompt:    "Write user-facing documentation for the change.",
		},
	}
}

// ApplyProfile overlays a config profile onto an agent definition.
func ApplyProfile(a AgentDefinition, p config.AgentProfile) AgentDefinition {
	if p.Name != "" {
		a.Name = p.Name
	}
	if p.Type != "" {
		a.Type = AgentType(p.Type)
	}
	if len(p.Capabilities) > 0 {
		caps := make([]provider.Capability, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			caps = append(caps, provider.Capability(c))
		}
		a.Capabilities = caps
	}
	if p.UseWorktree != nil {
		a.UseWorktree = *p.UseWorktree
	}
	if p.MaxOutputTokens > 0 {
		a.MaxOutputTokens = p.MaxOutputTokens
	}
	if p.MaxRetries > 0 {
		a.MaxRetries = p.MaxRetries
	}
	if p.TimeoutMs > 0 {
		a.TimeoutMs = p.TimeoutMs
	}
	if p.GatePolicy != "" {
		a.GatePolicy = GatePolicy(p.GatePolicy)
	}
	return a
}

// RosterFromConfig builds the stage roster with config overlays applied.
func RosterFromConfig(profiles map[string]config.AgentProfile) []AgentDefinition {
	roster := DefaultRoster()
	for i, a := range roster {
		if p, ok := profiles[a.ID]; ok {
			roster[i] = ApplyProfile(a, p)
		}
	}
	return roster
}
