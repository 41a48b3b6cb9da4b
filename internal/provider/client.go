package provider

import (
	"context"
	"time"
)

const defaultSystemPrompt = "You are an agentcrew stage agent. Be concise. Ground answers only in provided context. Produce the artifact the stage asks for and nothing else."

// Request is the provider-agnostic invocation request a stage assembles.
type Request struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
}

// Response is the provider-agnostic result of an invocation.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
	Latency      time.Duration
}

// Client is the minimal interface a provider backend implements.
// Implementations return *Error for every failure so the router can
// classify without knowing the wire format.
type Client interface {
	// Invoke sends one completion request.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Validate performs a cheap credential round-trip.
	Validate(ctx context.Context) error
}

// ClientConfig is the resolved per-provider client configuration.
type ClientConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// newClient builds the concrete client for a provider family. Anthropic and
// Gemini speak their native wire formats; everything else is served by the
// OpenAI-compatible chat completions client.
func newClient(family string, cfg ClientConfig) Client {
	switch family {
	case "anthropic":
		return newAnthropicClient(cfg)
	case "gemini":
		return newGeminiClient(cfg)
	default:
		return newOpenAIClient(cfg)
	}
}

// familyOf infers the wire family from the provider name. Providers named
// after a known family use that family; anything else is assumed to expose an
// OpenAI-compatible endpoint, which is what aggregators do.
func familyOf(name string) string {
	switch name {
	case "anthropic", "claude":
		return "anthropic"
	case "gemini", "google":
		return "gemini"
	default:
		return "openai"
	}
}
