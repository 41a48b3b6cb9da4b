package provider

// Capability names a feature an agent may require from a target.
type Capability string

const (
	CapabilityTools          Capability = "tools"
	CapabilityStructuredJSON Capability = "structured-json"
	CapabilityStreaming      Capability = "streaming"
	CapabilityComputerUse    Capability = "computer-use"
	CapabilityImageInput     Capability = "image-input"
)

// Descriptor enumerates what a provider supports and its hard limits.
type Descriptor struct {
	SupportsTools          bool `json:"supports_tools"`
	SupportsStructuredJSON bool `json:"supports_structured_json"`
	SupportsStreaming      bool `json:"supports_streaming"`
	SupportsComputerUse    bool `json:"supports_computer_use"`
	SupportsImageInput     bool `json:"supports_image_input"`

	MaxOutputTokens         int `json:"max_output_tokens"`
	MaxToolCallsPerResponse int `json:"max_tool_calls_per_response"`
	MaxImageBytes           int `json:"max_image_bytes"`
}

// Has reports whether the descriptor satisfies one capability.
func (d Descriptor) Has(c Capability) bool {
	switch c {
	case CapabilityTools:
		return d.SupportsTools
	case CapabilityStructuredJSON:
		return d.SupportsStructuredJSON
	case CapabilityStreaming:
		return d.SupportsStreaming
	case CapabilityComputerUse:
		return d.SupportsComputerUse
	case CapabilityImageInput:
		return d.SupportsImageInput
	default:
		return false
	}
}

// HasAll reports whether every required capability is satisfied.
func (d Descriptor) HasAll(caps []Capability) bool {
	for _, c := range caps {
		if !d.Has(c) {
			return false
		}
	}
	return true
}

// defaultDescriptor returns a provider-family descriptor. These are the
// feature sets of the provider APIs as shipped; config cannot widen them.
func defaultDescriptor(family string) Descriptor {
	switch family {
	case "anthropic":
		return Descriptor{
			SupportsTools:           true,
			SupportsStructuredJSON:  true,
			SupportsStreaming:       true,
			SupportsComputerUse:     true,
			SupportsImageInput:      true,
			MaxOutputTokens:         8192,
			MaxToolCallsPerResponse: 16,
			MaxImageBytes:           5 * 1024 * 1024,
		}
	case "gemini":
		return Descriptor{
			SupportsTools:           true,
			SupportsStructuredJSON:  true,
			SupportsStreaming:       true,
			SupportsImageInput:      true,
			MaxOutputTokens:         8192,
			MaxToolCallsPerResponse: 16,
			MaxImageBytes:           20 * 1024 * 1024,
		}
	default: // OpenAI-compatible endpoints (openai, zai, openrouter, xai)
		return Descriptor{
			SupportsTools:           true,
			SupportsStructuredJSON:  true,
			SupportsStreaming:       true,
			MaxOutputTokens:         8192,
			MaxToolCallsPerResponse: 16,
		}
	}
}
