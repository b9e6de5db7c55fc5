// Package pricing estimates token counts and per-model cost.
package pricing

import (
	"strings"
	"sync"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var (
	mu sync.RWMutex

	// Known list prices as of Oct 2026. Config overrides go through Register.
	knownModels = map[string]ModelPricing{
		// Anthropic
		"claude-sonnet-4-5": {3.00, 15.00},
		"claude-opus-4-1":   {15.00, 75.00},
		"claude-haiku-4-5":  {1.00, 5.00},
		// OpenAI
		"gpt-4o":      {2.50, 10.00},
		"gpt-4o-mini": {0.15, 0.60},
		"gpt-4.1":     {2.00, 8.00},
		// Google
		"gemini-2.5-pro":        {1.25, 10.00},
		"gemini-2.5-flash":      {0.30, 2.50},
		"gemini-2.5-flash-lite": {0.10, 0.40},
		// Text-markup models, usually reached through openai_compatible or openrouter.
		"kimi-k2":     {0.60, 2.50},
		"minimax-m2":  {0.30, 1.20},
		"glm-4.6":     {0.60, 2.20},
		"deepseek-v3": {0.27, 1.10},
	}
)

// Register sets or replaces the price of a model.
func Register(model string, p ModelPricing) {
	mu.Lock()
	defer mu.Unlock()
	knownModels[normalize(model)] = p
}

// Lookup returns the price for model. Provider prefixes ("anthropic/",
// "moonshotai/") are ignored, and a dated or suffixed variant falls back to
// the longest known base name it starts with.
func Lookup(model string) (ModelPricing, bool) {
	name := normalize(model)
	mu.RLock()
	defer mu.RUnlock()
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	best := ""
	for known := range knownModels {
		if strings.HasPrefix(name, known) && len(known) > len(best) {
			best = known
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// EstimateTokens returns a word-based token estimate for providers that do
// not report usage: 1.33 tokens per word, floored at one token per 4 bytes.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

func normalize(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
