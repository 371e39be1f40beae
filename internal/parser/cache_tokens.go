package parser

// CacheCreationTokens is the tiered cache-creation extraction result.
type CacheCreationTokens struct {
	Ephemeral5m int
	Ephemeral1h int
}

// Total returns the combined count across tiers.
func (c CacheCreationTokens) Total() int {
	return c.Ephemeral5m + c.Ephemeral1h
}

// ExtractCacheCreationTokens reads cache-creation tokens from a usage object,
// supporting the three shapes providers emit, in precedence order:
//
//  1. nested: usage.cache_creation.{ephemeral_5m_input_tokens, ephemeral_1h_input_tokens}
//  2. flat:   usage.claude_cache_creation_5_m_tokens / claude_cache_creation_1_h_tokens
//  3. legacy: usage.cache_creation_input_tokens
//
// Presence of any new-format field is authoritative even at value 0; the
// legacy field is consulted only when both new shapes are entirely absent.
// Legacy counts carry no tier information and are booked as 5-minute tier.
func ExtractCacheCreationTokens(usage map[string]any) CacheCreationTokens {
	if usage == nil {
		return CacheCreationTokens{}
	}

	if nested := jsonMap(usage, "cache_creation"); nested != nil {
		_, has5m := nested["ephemeral_5m_input_tokens"]
		_, has1h := nested["ephemeral_1h_input_tokens"]
		if has5m || has1h {
			return CacheCreationTokens{
				Ephemeral5m: jsonInt(nested, "ephemeral_5m_input_tokens"),
				Ephemeral1h: jsonInt(nested, "ephemeral_1h_input_tokens"),
			}
		}
	}

	_, hasFlat5m := usage["claude_cache_creation_5_m_tokens"]
	_, hasFlat1h := usage["claude_cache_creation_1_h_tokens"]
	if hasFlat5m || hasFlat1h {
		return CacheCreationTokens{
			Ephemeral5m: jsonInt(usage, "claude_cache_creation_5_m_tokens"),
			Ephemeral1h: jsonInt(usage, "claude_cache_creation_1_h_tokens"),
		}
	}

	return CacheCreationTokens{Ephemeral5m: jsonInt(usage, "cache_creation_input_tokens")}
}
