package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"
)

// APIFamily identifies the wire-format family of an endpoint.
type APIFamily string

// Known API families.
const (
	FamilyOpenAI APIFamily = "openai"
	FamilyClaude APIFamily = "claude"
	FamilyGemini APIFamily = "gemini"
)

// EndpointKind identifies the endpoint flavour inside a family.
type EndpointKind string

// Known endpoint kinds.
const (
	KindChat  EndpointKind = "chat"
	KindCLI   EndpointKind = "cli"
	KindVideo EndpointKind = "video"
)

// Signature is the canonical "family:kind" pair identifying a wire format,
// e.g. "openai:chat" or "claude:cli". It is the unit of format compatibility
// checks, key eligibility, and cache-affinity scoping.
type Signature struct {
	Family APIFamily    `json:"family"`
	Kind   EndpointKind `json:"kind"`
}

// Sig builds a Signature from its parts.
func Sig(family APIFamily, kind EndpointKind) Signature {
	return Signature{Family: family, Kind: kind}
}

// ParseSignature parses a "family:kind" string.
func ParseSignature(s string) (Signature, error) {
	family, kind, ok := strings.Cut(s, ":")
	if !ok || family == "" || kind == "" {
		return Signature{}, fmt.Errorf("invalid endpoint signature %q", s)
	}
	return Signature{Family: APIFamily(family), Kind: EndpointKind(kind)}, nil
}

// String returns the canonical "family:kind" form.
func (s Signature) String() string {
	return string(s.Family) + ":" + string(s.Kind)
}

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool {
	return s.Family == "" && s.Kind == ""
}

// FamilyPriority orders families for endpoint grouping: openai before claude
// before gemini before anything else.
func FamilyPriority(f APIFamily) int {
	switch f {
	case FamilyOpenAI:
		return 0
	case FamilyClaude:
		return 1
	case FamilyGemini:
		return 2
	default:
		return 3
	}
}
