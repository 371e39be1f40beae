package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

func flat(v float64) *float64 { return &v }

func testTable() []ModelPricing {
	return []ModelPricing{
		{
			Model:             "gm-x",
			InputPer1M:        3,
			OutputPer1M:       15,
			CacheReadPer1M:    0.3,
			CacheWrite5mPer1M: 3.75,
			CacheWrite1hPer1M: 6,
		},
		{
			Model:           "flat-*",
			InputPer1M:      1,
			OutputPer1M:     2,
			PricePerRequest: flat(0.01),
		},
	}
}

func TestCost_Components(t *testing.T) {
	c := NewCalculator(testTable())

	got := c.Cost(CostInput{
		Model: "gm-x",
		Usage: types.TokenUsage{
			InputTokens:           1_000_000,
			OutputTokens:          500_000,
			CacheReadTokens:       2_000_000,
			CacheCreation5mTokens: 1_000_000,
			CacheCreation1hTokens: 500_000,
		},
		Succeeded:      true,
		RateMultiplier: 1,
	})

	// 3 + 7.5 + 0.6 + 3.75 + 3 = 17.85
	assert.InDelta(t, 17.85, got.SurfaceUSD, 1e-9)
	assert.InDelta(t, 17.85, got.ActualUSD, 1e-9)
}

func TestCost_RateMultiplierAndFreeTier(t *testing.T) {
	c := NewCalculator(testTable())
	in := CostInput{
		Model:          "gm-x",
		Usage:          types.TokenUsage{InputTokens: 1_000_000},
		Succeeded:      true,
		RateMultiplier: 0.5,
	}

	got := c.Cost(in)
	assert.InDelta(t, 3.0, got.SurfaceUSD, 1e-9)
	assert.InDelta(t, 1.5, got.ActualUSD, 1e-9)

	in.FreeTier = true
	got = c.Cost(in)
	assert.InDelta(t, 3.0, got.SurfaceUSD, 1e-9)
	assert.Zero(t, got.ActualUSD)
}

func TestCost_RequestPriceOnlyOnSuccess(t *testing.T) {
	c := NewCalculator(testTable())

	ok := c.Cost(CostInput{Model: "flat-video", Usage: types.TokenUsage{InputTokens: 1_000_000}, Succeeded: true})
	assert.InDelta(t, 1.01, ok.SurfaceUSD, 1e-9)

	failed := c.Cost(CostInput{Model: "flat-video", Usage: types.TokenUsage{InputTokens: 1_000_000}, Succeeded: false})
	assert.InDelta(t, 1.0, failed.SurfaceUSD, 1e-9)
}

func TestCost_CacheTiersFallBackToInputPrice(t *testing.T) {
	c := NewCalculator([]ModelPricing{{Model: "plain", InputPer1M: 2, OutputPer1M: 4}})

	got := c.Cost(CostInput{
		Model:     "plain",
		Usage:     types.TokenUsage{CacheCreation5mTokens: 1_000_000, CacheReadTokens: 1_000_000},
		Succeeded: true,
	})
	assert.InDelta(t, 4.0, got.SurfaceUSD, 1e-9)
}

func TestFindPricing_WildcardLongestPrefix(t *testing.T) {
	c := NewCalculator([]ModelPricing{
		{Model: "claude-*", InputPer1M: 1},
		{Model: "claude-sonnet-4*", InputPer1M: 3},
	})

	p, ok := c.GetPricing("claude-sonnet-4-20250514")
	assert.True(t, ok)
	assert.InDelta(t, 3.0, p.InputPer1M, 1e-9)

	p, ok = c.GetPricing("claude-haiku")
	assert.True(t, ok)
	assert.InDelta(t, 1.0, p.InputPer1M, 1e-9)

	_, ok = c.GetPricing("gpt-unknown")
	assert.False(t, ok)
}

func TestCost_UnknownModelIsZero(t *testing.T) {
	c := NewCalculator(testTable())
	got := c.Cost(CostInput{Model: "mystery", Usage: types.TokenUsage{InputTokens: 1000}, Succeeded: true})
	assert.Zero(t, got.SurfaceUSD)
	assert.Zero(t, got.ActualUSD)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
