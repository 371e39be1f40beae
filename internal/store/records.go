// Package store defines the persistent records the dispatch core reads and
// writes, and the store interfaces through which it reaches them. Records are
// flat structs joined by string IDs; ownership (Provider owns Endpoints,
// Keys, Models) is expressed through foreign keys, not pointer graphs.
package store

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// BillingType selects how a provider's usage is charged.
type BillingType string

// Billing types.
const (
	BillingStandard BillingType = "standard"
	BillingFreeTier BillingType = "free_tier"
)

// AuthType selects how a key's credential is presented upstream.
type AuthType string

// Auth types.
const (
	AuthAPIKey   AuthType = "api_key"
	AuthOAuth    AuthType = "oauth"
	AuthVertexAI AuthType = "vertex_ai"
)

// CapabilityRule is the three-valued capability interpretation on a key.
type CapabilityRule string

// Capability rules.
const (
	// CapRequired: the key has the capability and may serve requests that
	// demand it.
	CapRequired CapabilityRule = "required"
	// CapExclusive: the key should only serve requests that demand the
	// capability; using it for anything else wastes it.
	CapExclusive CapabilityRule = "exclusive"
	// CapForbidden: the key must not serve requests demanding the
	// capability.
	CapForbidden CapabilityRule = "forbidden"
)

// ErrorStopPattern stops failover when an upstream error body matches the
// pattern and (if StatusCodes is non-empty) the status is listed.
type ErrorStopPattern struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	StatusCodes []int  `json:"status_codes,omitempty" yaml:"status_codes,omitempty"`
}

// FailoverRules are per-provider overrides of the failover decision.
type FailoverRules struct {
	// SuccessFailoverPatterns: regexes matched against a 200 response body;
	// a match means the "success" is actually a failure and the next
	// candidate should be tried.
	SuccessFailoverPatterns []string `json:"success_failover_patterns,omitempty" yaml:"success_failover_patterns,omitempty"`
	// ErrorStopPatterns: regexes that stop failover and surface the error.
	ErrorStopPatterns []ErrorStopPattern `json:"error_stop_patterns,omitempty" yaml:"error_stop_patterns,omitempty"`
}

// Provider is a logical upstream account or organization.
type Provider struct {
	ID           string
	Name         string
	Priority     int // lower is better
	ProviderType string
	BillingType  BillingType

	MonthlyUsedUSD float64

	RequestTimeout         time.Duration
	StreamFirstByteTimeout time.Duration

	EnableFormatConversion   bool
	KeepPriorityOnConversion bool

	Proxy         string
	FailoverRules *FailoverRules

	IsActive bool
}

// FormatAcceptance configures which client signatures an endpoint accepts
// beyond its own.
type FormatAcceptance struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AcceptFormats    []string `json:"accept_formats,omitempty" yaml:"accept_formats,omitempty"`
	RejectFormats    []string `json:"reject_formats,omitempty" yaml:"reject_formats,omitempty"`
	StreamConversion bool     `json:"stream_conversion" yaml:"stream_conversion"`
}

// Endpoint is a wire-compatible HTTP target owned by a Provider.
type Endpoint struct {
	ID         string
	ProviderID string

	Family types.APIFamily
	Kind   types.EndpointKind

	BaseURL  string
	IsActive bool

	FormatAcceptance *FormatAcceptance
	HeaderRules      map[string]string
	BodyRules        map[string]json.RawMessage
	Timeout          time.Duration

	// DataFormatID groups endpoints whose wire encoding is byte-compatible;
	// same-group requests may be forwarded without translation.
	DataFormatID string

	// ModelInURL: the model name goes into the URL path (Gemini style)
	// rather than the body.
	ModelInURL bool
	// AuthInQuery: the credential is sent as a query parameter rather than
	// a header.
	AuthInQuery bool
}

// Signature returns the endpoint's canonical family:kind pair.
func (e *Endpoint) Signature() types.Signature {
	return types.Sig(e.Family, e.Kind)
}

// ProviderAPIKey is a credential bound to a Provider.
type ProviderAPIKey struct {
	ID         string
	ProviderID string

	// APIKey is the decrypted credential. Key material is encrypted at rest
	// by an external crypto service; this process only sees plaintext.
	APIKey     string
	AuthType   AuthType
	AuthConfig json.RawMessage

	// APIFormats lists the endpoint signatures this key may serve;
	// nil means all.
	APIFormats []string

	AllowedModels []string
	Capabilities  map[string]CapabilityRule

	InternalPriority       int
	GlobalPriorityByFormat map[string]int
	RateMultipliers        map[string]float64

	// RPMLimit nil means the limit is adaptive (LearnedRPMLimit).
	RPMLimit        *int
	LearnedRPMLimit int

	// CacheTTLMinutes 0 means the key takes part in rotation instead of
	// cache affinity.
	CacheTTLMinutes int

	// UpstreamMetadata carries provider-type-specific quota snapshots.
	UpstreamMetadata map[string]json.RawMessage

	Proxy    string
	IsActive bool
}

// ServesSignature reports whether the key may serve an endpoint signature.
func (k *ProviderAPIKey) ServesSignature(sig types.Signature) bool {
	if len(k.APIFormats) == 0 {
		return true
	}
	s := sig.String()
	for _, f := range k.APIFormats {
		if f == s {
			return true
		}
	}
	return false
}

// RateMultiplier returns the key's cost multiplier for a signature,
// defaulting to 1.
func (k *ProviderAPIKey) RateMultiplier(sig types.Signature) float64 {
	if m, ok := k.RateMultipliers[sig.String()]; ok {
		return m
	}
	return 1
}

// GlobalModel is a canonical model name exposed to callers.
type GlobalModel struct {
	ID       string
	Name     string
	IsActive bool

	SupportedCapabilities []string

	// ModelMappings are glob patterns accepting alternate provider-side
	// names for this model.
	ModelMappings []string

	UsageCount int64
}

// ModelMapping is an alternate provider-side name with scope and priority.
type ModelMapping struct {
	Name       string   `json:"name" yaml:"name"`
	APIFormats []string `json:"api_formats,omitempty" yaml:"api_formats,omitempty"`
	Priority   int      `json:"priority" yaml:"priority"`
}

// Model is a Provider's implementation of a GlobalModel.
type Model struct {
	ID            string
	ProviderID    string
	GlobalModelID string

	ProviderModelName string
	Mappings          []ModelMapping

	// SupportsStreaming nil means inherit (assume streaming works).
	SupportsStreaming *bool

	IsActive bool
}

// StreamingSupported resolves the nullable override.
func (m *Model) StreamingSupported() bool {
	if m.SupportsStreaming == nil {
		return true
	}
	return *m.SupportsStreaming
}

// CallerIdentity is the verified caller the ingress layer hands to the core.
type CallerIdentity struct {
	// AffinityKey sticks the caller to an upstream key for prompt-cache
	// reuse; typically the caller's API-key ID.
	AffinityKey string

	UserID   string
	APIKeyID string

	// Allow-lists from the caller's key and user records. Empty means
	// unrestricted; the effective restriction is the intersection.
	KeyAllowedFormats    []string
	UserAllowedFormats   []string
	KeyAllowedProviders  []string
	UserAllowedProviders []string
	KeyAllowedModels     []string
	UserAllowedModels    []string
}
