package pricing

import "sort"

// perMillion is a bundled price row in dollars per 1M tokens, the unit the
// published price sheets use.
type perMillion struct {
	input, output, cacheRead, cacheWrite float64
}

// bundled is the compiled-in fallback table, grouped by provider. It covers
// the models the relay commonly fronts so cost accounting keeps working with
// no network at all.
var bundled = map[string]map[string]perMillion{
	"anthropic": {
		"claude-opus-4-1":   {15, 75, 1.5, 18.75},
		"claude-opus-4":     {15, 75, 1.5, 18.75},
		"claude-sonnet-4-5": {3, 15, 0.3, 3.75},
		"claude-sonnet-4":   {3, 15, 0.3, 3.75},
		"claude-3-7-sonnet": {3, 15, 0.3, 3.75},
		"claude-haiku-4-5":  {1, 5, 0.1, 1.25},
		"claude-3-5-haiku":  {0.8, 4, 0.08, 1},
	},
	"zai": {
		"glm-4.6":     {0.6, 2.2, 0.11, 0},
		"glm-4.5":     {0.6, 2.2, 0.11, 0},
		"glm-4.5-air": {0.2, 1.1, 0.03, 0},
	},
	"minimax": {
		"minimax-m2": {0.3, 1.2, 0, 0},
		"minimax-m1": {0.4, 2.2, 0, 0},
	},
	"nanogpt": {
		"deepseek-chat":     {0.27, 1.1, 0, 0},
		"deepseek-reasoner": {0.55, 2.19, 0, 0},
	},
	"kilo": {
		"claude-sonnet-4": {3, 15, 0.3, 3.75},
		"claude-opus-4":   {15, 75, 1.5, 18.75},
	},
}

// bundledRates flattens the bundled table into per-token rates keyed by model
// id. Providers are walked in name order so shared ids resolve the same way
// every run.
func bundledRates() map[string]Rates {
	providers := make([]string, 0, len(bundled))
	for name := range bundled {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	out := make(map[string]Rates)
	for _, name := range providers {
		for id, p := range bundled[name] {
			if _, exists := out[id]; exists {
				continue
			}
			out[id] = Rates{
				Input:      p.input / 1e6,
				Output:     p.output / 1e6,
				CacheRead:  p.cacheRead / 1e6,
				CacheWrite: p.cacheWrite / 1e6,
			}
		}
	}
	return out
}
