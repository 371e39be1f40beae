// Package llmgate is the dispatch core of a multi-upstream LLM gateway.
// It takes a verified caller request in one of the supported wire formats
// (OpenAI, Claude, Gemini), selects candidate (provider, endpoint, key)
// routes, walks them with typed-error failover, forwards or converts the
// upstream answer, and records exactly one usage row per request.
//
// Basic usage:
//
//	gw, err := llmgate.New(
//	    llmgate.WithProviderStore(providers),
//	    llmgate.WithUsageStore(usageStore),
//	    llmgate.WithPricing(catalog),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close()
//
//	resp, err := gw.Complete(ctx, &llmgate.Request{
//	    ClientSig: llmgate.Sig(llmgate.FamilyOpenAI, llmgate.KindChat),
//	    Model:     "gpt-4o",
//	    Caller:    caller,
//	    Body:      body,
//	})
package llmgate

import (
	"github.com/blueberrycongee/llmgate/internal/billing"
	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/internal/streampipe"
	"github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Version is the current version of the gateway core.
const Version = "0.1.0"

// Re-export wire-format identity types so callers do not need pkg/types.
type (
	// Signature is the canonical "family:kind" wire-format identity.
	Signature = types.Signature

	// APIFamily identifies the wire-format family of an endpoint.
	APIFamily = types.APIFamily

	// EndpointKind identifies the endpoint flavour inside a family.
	EndpointKind = types.EndpointKind

	// TokenUsage is the unified token accounting shape.
	TokenUsage = types.TokenUsage
)

// Re-export store records callers hand to the gateway.
type (
	// CallerIdentity is the verified caller the ingress layer resolves.
	CallerIdentity = store.CallerIdentity

	// Provider is a logical upstream account.
	Provider = store.Provider

	// Endpoint is a wire-compatible HTTP target owned by a Provider.
	Endpoint = store.Endpoint

	// ProviderAPIKey is a credential bound to a Provider.
	ProviderAPIKey = store.ProviderAPIKey

	// GlobalModel is a canonical model name exposed to callers.
	GlobalModel = store.GlobalModel

	// Model is a Provider's implementation of a GlobalModel.
	Model = store.Model

	// UsageRecord is the per-request billing and audit row.
	UsageRecord = store.UsageRecord
)

// Sink receives client-bound stream bytes.
type Sink = streampipe.Sink

// Async video-task billing types.
type (
	// BillingRule prices an async generation task by formula.
	BillingRule = billing.Rule

	// VideoTask is one async generation job with its frozen billing snapshot.
	VideoTask = billing.Task

	// TaskState is the video task lifecycle state.
	TaskState = billing.TaskState
)

// Video task states.
const (
	TaskSubmitted = billing.TaskSubmitted
	TaskPolling   = billing.TaskPolling
	TaskCompleted = billing.TaskCompleted
	TaskFailed    = billing.TaskFailed
	TaskCancelled = billing.TaskCancelled
)

// Sig builds a Signature from its parts.
var Sig = types.Sig

// ParseSignature parses a "family:kind" string.
var ParseSignature = types.ParseSignature

// Re-export wire-format constants.
const (
	FamilyOpenAI = types.FamilyOpenAI
	FamilyClaude = types.FamilyClaude
	FamilyGemini = types.FamilyGemini

	KindChat  = types.KindChat
	KindCLI   = types.KindCLI
	KindVideo = types.KindVideo
)

// GatewayError is the typed error surfaced to callers.
type GatewayError = errors.GatewayError

// Re-export error type constants.
const (
	TypeAuthentication     = errors.TypeAuthentication
	TypeRateLimit          = errors.TypeRateLimit
	TypeInvalidRequest     = errors.TypeInvalidRequest
	TypeModelNotSupported  = errors.TypeModelNotSupported
	TypeTimeout            = errors.TypeTimeout
	TypeServiceUnavailable = errors.TypeServiceUnavailable
	TypeInternalError      = errors.TypeInternalError
	TypeConcurrencyLimit   = errors.TypeConcurrencyLimit
	TypeFormatConversion   = errors.TypeFormatConversion
	TypeEmbeddedError      = errors.TypeEmbeddedError
	TypeStreamProbe        = errors.TypeStreamProbe
	TypeConnection         = errors.TypeConnection
)
