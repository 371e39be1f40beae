package dispatch

import (
	"net/http"
	"sync"
)

// Envelope is a provider-type-specific wrapper around the wire exchange. Some
// upstream aggregators tunnel the real request inside their own JSON shape;
// an Envelope wraps the outgoing body and unwraps the response before normal
// parsing sees it.
type Envelope interface {
	// WrapRequest may rewrite the outgoing body and headers.
	WrapRequest(req *http.Request, body []byte) ([]byte, error)
	// UnwrapResponse may rewrite a sync response body.
	UnwrapResponse(body []byte) ([]byte, error)
	// ForceUpstreamStream reports whether requests through this envelope must
	// go upstream as streams even for sync callers.
	ForceUpstreamStream() bool
}

var envelopes = struct {
	mu sync.RWMutex
	m  map[string]Envelope
}{m: make(map[string]Envelope)}

// RegisterEnvelope installs an envelope for a provider_type.
func RegisterEnvelope(providerType string, e Envelope) {
	envelopes.mu.Lock()
	defer envelopes.mu.Unlock()
	envelopes.m[providerType] = e
}

// EnvelopeFor returns the envelope for a provider_type, nil when none.
func EnvelopeFor(providerType string) Envelope {
	envelopes.mu.RLock()
	defer envelopes.mu.RUnlock()
	return envelopes.m[providerType]
}
