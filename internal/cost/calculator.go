// Package cost prices provider calls by catalog model id.
package cost

import (
	"sync"

	"github.com/felipepmaragno/chat-gateway/internal/domain"
)

// ModelPricing is per-1K-token pricing for text models and a flat per-image
// price for image generation models.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
	PerImage    float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"o3-mini":           {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gemini-2.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash":  {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"deepseek-chat":     {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	"deepseek-reasoner": {InputPer1K: 0.00055, OutputPer1K: 0.00219},
	"grok-3":            {InputPer1K: 0.003, OutputPer1K: 0.015},
	"qwen-plus":         {InputPer1K: 0.0004, OutputPer1K: 0.0012},
	"qwen-vl-max":       {InputPer1K: 0.0008, OutputPer1K: 0.0032},
	"flux-pro-1.1":      {PerImage: 0.04},
	"imagen-3":          {PerImage: 0.03},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

// Calculate returns the USD cost of usage on model. Unknown models cost 0.
func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.InputTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.OutputTokens) / 1000 * pricing.OutputPer1K
	imageCost := float64(usage.Images) * pricing.PerImage

	return inputCost + outputCost + imageCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pricing[model]
	return p, ok
}
