package usage

import "strings"

// pricing holds published per-million-token rates for the models this repo's
// provider adapters target. Rates are approximate list prices, not a live
// feed; operators running this against production spend should replace them
// via config rather than trust the defaults indefinitely.
var pricing = map[string]Cost{
	"claude-opus-4":         {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-sonnet-4":       {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku-4":        {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"claude-3-5-sonnet":     {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-haiku":      {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"gpt-4o":                {Input: 2.5, Output: 10, CacheRead: 1.25},
	"gpt-4-turbo":           {Input: 10, Output: 30},
	"gpt-4":                 {Input: 30, Output: 60},
	"gpt-3.5-turbo":         {Input: 0.5, Output: 1.5},
}

// PricingFor resolves the Cost table entry for a model, matching by longest
// known prefix since dated model snapshots (e.g. "claude-sonnet-4-20250514")
// share pricing with their family. Returns false if no entry is known.
func PricingFor(model string) (Cost, bool) {
	best := ""
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Cost{}, false
	}
	return pricing[best], true
}

// EstimateCost is a convenience wrapper around PricingFor + Cost.Estimate
// that degrades to zero cost for unrecognized models rather than erroring;
// an unknown model should never block a turn from completing.
func EstimateCost(model string, u *Usage) float64 {
	cost, ok := PricingFor(model)
	if !ok {
		return 0
	}
	return cost.Estimate(u)
}
