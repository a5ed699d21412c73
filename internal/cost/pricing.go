package cost

import (
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Rate is the price of a model in USD per 1,000 tokens.
type Rate struct {
	Input  float64 `mapstructure:"input"  json:"input"`
	Output float64 `mapstructure:"output" json:"output"`
}

// Pricing resolves rates by model, then by provider type.
//
// Model keys ending in "*" are prefix patterns: "gpt-4o*" prices every
// gpt-4o variant. The longest matching pattern wins. Keys are lower case.
type Pricing struct {
	Models map[string]Rate
	Types  map[providers.Type]Rate
}

// DefaultPricing returns list prices for common models.
func DefaultPricing() Pricing {
	return Pricing{
		Models: map[string]Rate{
			"gpt-4o":            {Input: 0.0025, Output: 0.01},
			"gpt-4o-mini*":      {Input: 0.00015, Output: 0.0006},
			"gpt-4.1*":          {Input: 0.002, Output: 0.008},
			"claude-opus-4*":    {Input: 0.015, Output: 0.075},
			"claude-sonnet-4*":  {Input: 0.003, Output: 0.015},
			"claude-haiku-4*":   {Input: 0.0008, Output: 0.004},
			"gemini-2.5-pro*":   {Input: 0.00125, Output: 0.01},
			"gemini-2.5-flash*": {Input: 0.0003, Output: 0.0025},
		},
		Types: map[providers.Type]Rate{
			providers.TypeOpenAI:    {Input: 0.0025, Output: 0.01},
			providers.TypeAnthropic: {Input: 0.003, Output: 0.015},
			providers.TypeGemini:    {Input: 0.00125, Output: 0.005},
			providers.TypeLocal:     {},
		},
	}
}

// Merge overlays o on p and returns the result. p is not modified.
func (p Pricing) Merge(o Pricing) Pricing {
	out := Pricing{
		Models: make(map[string]Rate, len(p.Models)+len(o.Models)),
		Types:  make(map[providers.Type]Rate, len(p.Types)+len(o.Types)),
	}
	for k, v := range p.Models {
		out.Models[k] = v
	}
	for k, v := range o.Models {
		out.Models[k] = v
	}
	for k, v := range p.Types {
		out.Types[k] = v
	}
	for k, v := range o.Types {
		out.Types[k] = v
	}
	return out
}

// Resolve returns the rate for model on provider type t. Unknown models fall
// back to the type rate; unknown types are free.
func (p Pricing) Resolve(t providers.Type, model string) Rate {
	model = strings.ToLower(model)
	if model != "" {
		if r, ok := p.Models[model]; ok {
			return r
		}
		best, bestLen := Rate{}, -1
		for pattern, r := range p.Models {
			prefix, ok := strings.CutSuffix(pattern, "*")
			if !ok || !strings.HasPrefix(model, prefix) {
				continue
			}
			if len(prefix) > bestLen {
				best, bestLen = r, len(prefix)
			}
		}
		if bestLen >= 0 {
			return best
		}
	}
	return p.Types[t]
}

// Cost is (in/1000)·rate.Input + (out/1000)·rate.Output.
func Cost(r Rate, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*r.Input + float64(outputTokens)/1000*r.Output
}
