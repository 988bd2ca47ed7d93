package costs

import "math"

// pricing holds per-million-token USD prices for a model.
type pricing struct {
	Input  float64
	Output float64
}

// modelPricing is the static price table. Unknown models fall back to
// defaultPricing so a missing entry never breaks cost recording.
var modelPricing = map[string]pricing{
	"claude-haiku-4-5-20251001":  {Input: 0.8, Output: 4.0},
	"claude-sonnet-4-20250514":   {Input: 3.0, Output: 15.0},
	"claude-opus-4-6":            {Input: 15.0, Output: 75.0},
	"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4.0},
	"claude-3-5-sonnet-20241022": {Input: 3.0, Output: 15.0},
	"gpt-4o":                     {Input: 2.5, Output: 10.0},
	"gpt-4o-mini":                {Input: 0.15, Output: 0.6},
	"gpt-4.1":                    {Input: 2.0, Output: 8.0},
	"gpt-4.1-mini":               {Input: 0.4, Output: 1.6},
}

var defaultPricing = pricing{Input: 3.0, Output: 15.0}

// Calculate returns the USD cost for the given token counts, rounded to
// six decimals. Unknown models use the default pricing tier.
func Calculate(model string, tokensIn, tokensOut int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = defaultPricing
	}
	cost := (float64(tokensIn)*p.Input + float64(tokensOut)*p.Output) / 1_000_000
	return round6(cost)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
