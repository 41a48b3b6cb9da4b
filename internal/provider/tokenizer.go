package provider

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Pricing holds per-1K-token USD rates for one target.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// tokenizerCacheCap bounds the in-process estimate cache. On overflow the
// cache is cleared wholesale; estimates are cheap to recompute.
const tokenizerCacheCap = 4096

// Tokenizer estimates token counts and monetary cost for prospective calls.
// Estimates use calibrated char-to-token ratios per model family; heuristic
// accuracy is sufficient for routing and budget decisions.
type Tokenizer struct {
	cache *gocache.Cache
}

// NewTokenizer creates a tokenizer with a bounded estimate cache.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		cache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// EstimateTokens returns an integer token estimate for text on a model.
func (t *Tokenizer) EstimateTokens(providerName, model, text string) int {
	if text == "" {
		return 0
	}

	key := cacheKey(providerName, model, text)
	if v, ok := t.cache.Get(key); ok {
		return v.(int)
	}

	ratio := charsPerToken(model)
	estimate := int(math.Ceil(float64(len(text)) / ratio))
	if estimate < 1 {
		estimate = 1
	}

	if t.cache.ItemCount() >= tokenizerCacheCap {
		t.cache.Flush()
	}
	t.cache.Set(key, estimate, gocache.DefaultExpiration)
	return estimate
}

// EstimateCost returns the worst-case USD cost of a prospective call:
// the full input estimate plus the maximum output allowance. Never negative.
func (t *Tokenizer) EstimateCost(inputTokens, maxOutputTokens int, pricing Pricing) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if maxOutputTokens < 0 {
		maxOutputTokens = 0
	}
	cost := math.Ceil(float64(inputTokens))*pricing.InputPer1K/1000 +
		float64(maxOutputTokens)*pricing.OutputPer1K/1000
	if cost < 0 {
		return 0
	}
	return cost
}

// ActualCost prices a completed call from its recorded usage.
func (t *Tokenizer) ActualCost(inputTokens, outputTokens int, pricing Pricing) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)*pricing.InputPer1K/1000 +
		float64(outputTokens)*pricing.OutputPer1K/1000
}

// charsPerToken returns the calibrated ratio for a model family. Code-heavy
// prompts run denser than prose; these ratios lean conservative.
func charsPerToken(model string) float64 {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return 3.8
	case strings.Contains(m, "gemini"):
		return 4.0
	case strings.Contains(m, "gpt"), strings.Contains(m, "o4"):
		return 4.0
	case strings.Contains(m, "glm"):
		return 3.5
	default:
		return 4.0
	}
}

func cacheKey(providerName, model, text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("%s:%s:%d:%x", providerName, model, len(text), h.Sum64())
}
