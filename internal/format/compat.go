package format

import "github.com/blueberrycongee/llmgate/pkg/types"

// Compatibility classifies how a client signature can be served by an
// endpoint signature.
type Compatibility int

// Compatibility levels, from cheapest to impossible.
const (
	// CompatExact: the signatures match; forward as-is.
	CompatExact Compatibility = iota
	// CompatPassthrough: the endpoint accepts the client's wire format
	// natively; forward without translation.
	CompatPassthrough
	// CompatConvertible: translation through Internal is required and
	// permitted.
	CompatConvertible
	// CompatIncompatible: the endpoint cannot serve the request.
	CompatIncompatible
)

// String implements fmt.Stringer.
func (c Compatibility) String() string {
	switch c {
	case CompatExact:
		return "exact"
	case CompatPassthrough:
		return "passthrough"
	case CompatConvertible:
		return "convertible"
	default:
		return "incompatible"
	}
}

// AcceptancePolicy mirrors an endpoint's format-acceptance configuration.
type AcceptancePolicy struct {
	Enabled          bool
	AcceptFormats    []string
	RejectFormats    []string
	StreamConversion bool
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func convertibleKind(k types.EndpointKind) bool {
	return k == types.KindChat || k == types.KindCLI
}

// Compatible decides how an endpoint may serve a client signature.
// skipEndpointCheck is true when the global conversion toggle or the owning
// provider's enable_format_conversion overrides the endpoint's own acceptance
// configuration.
func Compatible(client, endpoint types.Signature, acc AcceptancePolicy, isStream, conversionEnabled, skipEndpointCheck bool) Compatibility {
	if client == endpoint {
		return CompatExact
	}

	cs := client.String()
	if contains(acc.RejectFormats, cs) {
		return CompatIncompatible
	}
	if acc.Enabled && contains(acc.AcceptFormats, cs) {
		return CompatPassthrough
	}

	// skipEndpointCheck doubles as the provider-scoped conversion enable:
	// it is set when either the global toggle or the owning provider's flag
	// is on.
	if !conversionEnabled && !skipEndpointCheck {
		return CompatIncompatible
	}
	// Only conversational kinds translate; video tasks never cross families.
	if !convertibleKind(client.Kind) || !convertibleKind(endpoint.Kind) {
		return CompatIncompatible
	}
	if !skipEndpointCheck {
		if !acc.Enabled {
			return CompatIncompatible
		}
		if isStream && !acc.StreamConversion {
			return CompatIncompatible
		}
	}
	return CompatConvertible
}
