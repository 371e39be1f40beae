// Package pricing turns token usage into money. Prices are per 1M tokens,
// with separate components for cache reads and the two cache-creation TTL
// tiers; lookup supports wildcard model patterns.
package pricing

import (
	"strings"
	"sync"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// ModelPricing defines the per-component prices for a model pattern.
// Patterns ending in "*" match by prefix; the longest prefix wins.
type ModelPricing struct {
	Model string

	InputPer1M     float64
	OutputPer1M    float64
	CacheReadPer1M float64
	// Cache-creation writes are priced per TTL tier. A zero tier price
	// falls back to the input price.
	CacheWrite5mPer1M float64
	CacheWrite1hPer1M float64

	// PricePerRequest is a flat per-call charge on top of token costs.
	// Nil means none. Failed requests are never charged it.
	PricePerRequest *float64
}

// DefaultPricing covers common models, USD per 1M tokens.
var DefaultPricing = []ModelPricing{
	{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10, CacheReadPer1M: 1.25},
	{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.6, CacheReadPer1M: 0.075},
	{Model: "gpt-4.1*", InputPer1M: 2, OutputPer1M: 8, CacheReadPer1M: 0.5},
	{Model: "o3*", InputPer1M: 2, OutputPer1M: 8, CacheReadPer1M: 0.5},

	{Model: "claude-opus-4*", InputPer1M: 15, OutputPer1M: 75, CacheReadPer1M: 1.5, CacheWrite5mPer1M: 18.75, CacheWrite1hPer1M: 30},
	{Model: "claude-sonnet-4*", InputPer1M: 3, OutputPer1M: 15, CacheReadPer1M: 0.3, CacheWrite5mPer1M: 3.75, CacheWrite1hPer1M: 6},
	{Model: "claude-3-5-haiku*", InputPer1M: 0.8, OutputPer1M: 4, CacheReadPer1M: 0.08, CacheWrite5mPer1M: 1, CacheWrite1hPer1M: 1.6},

	{Model: "gemini-2.5-pro*", InputPer1M: 1.25, OutputPer1M: 10, CacheReadPer1M: 0.31},
	{Model: "gemini-2.5-flash*", InputPer1M: 0.3, OutputPer1M: 2.5, CacheReadPer1M: 0.075},
	{Model: "gemini-1.5*", InputPer1M: 1.25, OutputPer1M: 5, CacheReadPer1M: 0.31},

	{Model: "deepseek*", InputPer1M: 0.27, OutputPer1M: 1.1, CacheReadPer1M: 0.07},
}

// CostInput is one request's billing facts.
type CostInput struct {
	Model string
	Usage types.TokenUsage

	// Succeeded gates the flat per-request price: failed requests carry
	// token costs for what was produced but never the request charge.
	Succeeded bool

	// RateMultiplier scales the surface price into the actual upstream
	// cost; 0 or negative is treated as 1.
	RateMultiplier float64

	// FreeTier zeroes the actual cost while keeping the surface price the
	// caller is billed.
	FreeTier bool
}

// Cost is the priced outcome. Surface is what the caller pays; Actual is the
// gateway's upstream cost.
type Cost struct {
	SurfaceUSD float64
	ActualUSD  float64
}

// Calculator prices usage against a wildcard-keyed model table.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator builds a Calculator; nil pricing selects DefaultPricing.
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}
	c := &Calculator{pricing: make(map[string]ModelPricing, len(pricing))}
	for _, p := range pricing {
		c.pricing[p.Model] = p
	}
	return c
}

// Cost computes the surface and actual cost for one request.
func (c *Calculator) Cost(in CostInput) Cost {
	p, ok := c.findPricing(in.Model)
	if !ok {
		return Cost{}
	}

	u := in.Usage
	surface := per1M(u.InputTokens, p.InputPer1M) +
		per1M(u.OutputTokens, p.OutputPer1M) +
		per1M(u.CacheReadTokens, orElse(p.CacheReadPer1M, p.InputPer1M)) +
		per1M(u.CacheCreation5mTokens, orElse(p.CacheWrite5mPer1M, p.InputPer1M)) +
		per1M(u.CacheCreation1hTokens, orElse(p.CacheWrite1hPer1M, p.InputPer1M))

	if in.Succeeded && p.PricePerRequest != nil {
		surface += *p.PricePerRequest
	}

	mult := in.RateMultiplier
	if mult <= 0 {
		mult = 1
	}
	actual := surface * mult
	if in.FreeTier {
		actual = 0
	}
	return Cost{SurfaceUSD: surface, ActualUSD: actual}
}

func per1M(tokens int, price float64) float64 {
	if tokens <= 0 || price <= 0 {
		return 0
	}
	return float64(tokens) / 1_000_000 * price
}

func orElse(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

// findPricing resolves a model name: exact match first, then the longest
// matching wildcard prefix.
func (c *Calculator) findPricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for pattern, p := range c.pricing {
		if strings.EqualFold(pattern, model) {
			return p, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *ModelPricing
	bestLen := -1
	for pattern, p := range c.pricing {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			cp := p
			best, bestLen = &cp, len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return ModelPricing{}, false
}

// AddPricing inserts or replaces a model pattern.
func (c *Calculator) AddPricing(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[p.Model] = p
}

// GetPricing resolves the effective pricing for a model.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	return c.findPricing(model)
}

// estimateCharsPerToken is the usual rough English ratio.
const estimateCharsPerToken = 4

// EstimateTokens approximates a token count from raw text, for streams that
// died before any usage payload arrived. Never returns less than 1 for
// non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / estimateCharsPerToken
	if n < 1 {
		n = 1
	}
	return n
}
