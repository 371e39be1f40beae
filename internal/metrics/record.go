package metrics

import (
	"strconv"
	"strings"
	"time"
)

const maxModelLabelLen = 64

// RecordRequest records a finished request.
func RecordRequest(model, provider string, statusCode int, latency time.Duration) {
	model = SanitizeModelLabel(model)
	RequestsTotal.WithLabelValues(model, provider, strconv.Itoa(statusCode)).Inc()
	RequestLatency.WithLabelValues(model, provider).Observe(latency.Seconds())
}

// RecordFirstByte records upstream TTFB for a streaming request.
func RecordFirstByte(model, provider string, ttfb time.Duration) {
	if ttfb <= 0 {
		return
	}
	TimeToFirstByte.WithLabelValues(SanitizeModelLabel(model), provider).Observe(ttfb.Seconds())
}

// RecordAttempt records one dispatch attempt outcome.
func RecordAttempt(provider, outcome string) {
	CandidateAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordFailover records a candidate switch caused by a typed error.
func RecordFailover(provider, errorType string) {
	Failovers.WithLabelValues(provider, errorType).Inc()
}

// RecordStreamAbort records a pipeline-initiated stream termination.
func RecordStreamAbort(provider, reason string) {
	StreamAborts.WithLabelValues(provider, reason).Inc()
}

// RecordReservation records an admission decision and the current ratio.
func RecordReservation(keyID, decision string, ratio float64) {
	ReservationOutcomes.WithLabelValues(decision).Inc()
	if keyID != "" {
		ReservationRatio.WithLabelValues(keyID).Set(ratio)
	}
}

// RecordTokens records billed token usage.
func RecordTokens(model, provider string, input, output, cacheRead, cacheCreation int) {
	model = SanitizeModelLabel(model)
	add := func(kind string, n int) {
		if n > 0 {
			Tokens.WithLabelValues(model, provider, kind).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_read", cacheRead)
	add("cache_creation", cacheCreation)
}

// RecordSpend records computed cost for a request.
func RecordSpend(model, provider string, surfaceUSD, actualUSD float64) {
	model = SanitizeModelLabel(model)
	if surfaceUSD > 0 {
		SpendUSD.WithLabelValues(model, provider, "surface").Add(surfaceUSD)
	}
	if actualUSD > 0 {
		SpendUSD.WithLabelValues(model, provider, "actual").Add(actualUSD)
	}
}

// SanitizeModelLabel bounds model names to a safe label charset and length.
// Client-supplied model strings must not explode label cardinality.
func SanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
