package relay

import "github.com/llmgateway/gateway/gateway/convert"

// cacheRatios are the cache-read/cache-create billing multipliers from §9's
// cost table. A provider absent from the table (or a cache-create ratio
// the table never specifies, e.g. Gemini/Kiro) bills at 1.0x.
type cacheRatios struct {
	read, create float64
}

func ratiosFor(providerType string) cacheRatios {
	switch providerType {
	case "anthropic":
		return cacheRatios{read: 0.1, create: 1.25}
	case "openai":
		return cacheRatios{read: 0.5, create: 1.25}
	case "gemini":
		return cacheRatios{read: 0.25, create: 1.0}
	case "kiro":
		return cacheRatios{read: 0.5, create: 1.0}
	default:
		return cacheRatios{read: 1.0, create: 1.0}
	}
}

// billableCost converts usage into a single cost figure denominated in
// plain-input-token-equivalents: cache-read/create tokens are billed at
// their provider's ratio instead of 1:1, while ordinary input and output
// tokens count at face value. This is the amount the relay decrements off
// a user's quota and is distinct from the raw token counters it logs
// verbatim alongside it.
func billableCost(providerType string, usage convert.Usage) float64 {
	ratios := ratiosFor(providerType)
	plainInput := usage.InputTokens - usage.CacheReadTokens - usage.CacheCreateTokens
	if plainInput < 0 {
		plainInput = 0
	}
	return float64(plainInput) +
		float64(usage.CacheReadTokens)*ratios.read +
		float64(usage.CacheCreateTokens)*ratios.create +
		float64(usage.OutputTokens)
}
