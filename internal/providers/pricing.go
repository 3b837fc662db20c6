package providers

import "strings"

// modelPricing is USD per million tokens.
type modelPricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Longest matching prefix wins. Unknown models cost zero; cost accounting
// is advisory, never a gate.
var pricingTable = map[string]modelPricing{
	"claude-opus-4":    {Input: 15.0, Output: 75.0, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-sonnet-4":  {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-haiku-4":   {Input: 1.0, Output: 5.0, CacheRead: 0.1, CacheWrite: 1.25},
	"claude-3-5-haiku": {Input: 0.8, Output: 4.0, CacheRead: 0.08, CacheWrite: 1.0},
	"gpt-5-mini":       {Input: 0.25, Output: 2.0, CacheRead: 0.025},
	"gpt-5-nano":       {Input: 0.05, Output: 0.4, CacheRead: 0.005},
	"gpt-5":            {Input: 1.25, Output: 10.0, CacheRead: 0.125},
	"gpt-4o-mini":      {Input: 0.15, Output: 0.6, CacheRead: 0.075},
	"gpt-4o":           {Input: 2.5, Output: 10.0, CacheRead: 1.25},
	"gpt-image-1":      {Input: 5.0, Output: 40.0},
	"o3":               {Input: 2.0, Output: 8.0, CacheRead: 0.5},
}

func lookupPricing(model string) (modelPricing, bool) {
	best := ""
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return modelPricing{}, false
	}
	return pricingTable[best], true
}

// FillCost computes the cost fields of u from its token counters and the
// model's pricing. No-op for models absent from the table.
func FillCost(model string, u *Usage) {
	p, ok := lookupPricing(model)
	if !ok || u == nil {
		return
	}
	const mtok = 1_000_000.0
	u.InputCost = float64(u.InputTokens) / mtok * p.Input
	u.OutputCost = float64(u.OutputTokens) / mtok * p.Output
	u.CacheReadCost = float64(u.CacheReadTokens) / mtok * p.CacheRead
	u.CacheWriteCost = float64(u.CacheWriteTokens) / mtok * p.CacheWrite
	u.TotalCost = u.InputCost + u.OutputCost + u.CacheReadCost + u.CacheWriteCost
}
