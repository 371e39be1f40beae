// Package scheduling assembles the eligible (provider, endpoint, key) routes
// for a request and orders them by scheduling mode, priority mode, and cache
// affinity.
package scheduling

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/format"
	"github.com/blueberrycongee/llmgate/internal/health"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Candidate is one dispatchable route.
type Candidate struct {
	Provider    *store.Provider
	Endpoint    *store.Endpoint
	Key         *store.ProviderAPIKey
	Model       *store.Model
	GlobalModel *store.GlobalModel

	// Compat is the format relation between the client signature and the
	// endpoint. NeedsConversion is true only for CompatConvertible.
	Compat          format.Compatibility
	NeedsConversion bool

	// UpstreamModel is the provider-side model name to dispatch, either the
	// model's primary name or the mapping that matched the key's allow-list.
	UpstreamModel string
}

// Signature returns the endpoint signature the candidate dispatches to.
func (c *Candidate) Signature() types.Signature {
	return c.Endpoint.Signature()
}

// EffectiveRPMLimit resolves the key's limit: configured, else learned,
// else 0 (unlimited).
func (c *Candidate) EffectiveRPMLimit() int {
	if c.Key.RPMLimit != nil {
		return *c.Key.RPMLimit
	}
	return c.Key.LearnedRPMLimit
}

// CacheTTL returns the key's prompt-cache window for affinity bookkeeping.
func (c *Candidate) CacheTTL() int {
	return c.Key.CacheTTLMinutes
}

// Skip is a route that was considered and rejected, kept for the audit trail.
type Skip struct {
	ProviderID string
	EndpointID string
	KeyID      string
	Reason     string
}

// BuildInput is everything the builder needs for one request.
type BuildInput struct {
	ClientSig    types.Signature
	ModelName    string
	Caller       store.CallerIdentity
	Capabilities []string
	IsStream     bool

	ProviderOffset int
	ProviderLimit  int

	// ConversionEnabled is the global format-conversion toggle.
	ConversionEnabled bool
}

// BuildResult is the builder's output: candidates ready for the scheduler
// (exact and passthrough routes before convertible ones) plus the skip trail.
type BuildResult struct {
	GlobalModel *store.GlobalModel
	Candidates  []*Candidate
	Skips       []Skip
}

// QuotaCheck inspects a key's provider-type quota snapshot and reports
// whether the key still has budget. Registered per provider_type.
type QuotaCheck func(key *store.ProviderAPIKey) (ok bool, reason string)

// Builder assembles candidates from the provider store.
type Builder struct {
	providers store.ProviderStore
	monitor   *health.Monitor
	logger    *observability.Logger

	quotaChecks map[string]QuotaCheck
}

// NewBuilder creates a Builder. monitor may be nil to disable breaker checks.
func NewBuilder(providers store.ProviderStore, monitor *health.Monitor, logger *observability.Logger) *Builder {
	b := &Builder{
		providers:   providers,
		monitor:     monitor,
		logger:      logger,
		quotaChecks: make(map[string]QuotaCheck),
	}
	b.RegisterQuotaCheck("", defaultQuotaCheck)
	return b
}

// RegisterQuotaCheck installs a quota predicate for a provider_type. The
// empty provider_type is the fallback for all types without their own.
func (b *Builder) RegisterQuotaCheck(providerType string, check QuotaCheck) {
	b.quotaChecks[providerType] = check
}

// defaultQuotaCheck reads the generic quota snapshot shape
// {"remaining": N, "exhausted": bool} under upstream_metadata["quota"].
func defaultQuotaCheck(key *store.ProviderAPIKey) (bool, string) {
	raw, ok := key.UpstreamMetadata["quota"]
	if !ok {
		return true, ""
	}
	var quota struct {
		Remaining *float64 `json:"remaining"`
		Exhausted bool     `json:"exhausted"`
	}
	if err := json.Unmarshal(raw, &quota); err != nil {
		return true, ""
	}
	if quota.Exhausted {
		return false, "quota_exhausted"
	}
	if quota.Remaining != nil && *quota.Remaining <= 0 {
		return false, "quota_exhausted"
	}
	return true, ""
}

// Build resolves the model and walks providers, endpoints, and keys.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*BuildResult, error) {
	gm, err := b.resolveGlobalModel(ctx, in.ModelName)
	if err != nil {
		return nil, err
	}

	formats := intersect(in.Caller.KeyAllowedFormats, in.Caller.UserAllowedFormats)
	providers := intersect(in.Caller.KeyAllowedProviders, in.Caller.UserAllowedProviders)
	models := intersect(in.Caller.KeyAllowedModels, in.Caller.UserAllowedModels)

	if !allowed(formats, in.ClientSig.String()) {
		return nil, gwerrors.NewInvalidRequestError("", in.ModelName, "wire format not allowed for this caller")
	}
	if !allowedWildcard(models, gm.Name) {
		return nil, gwerrors.NewModelNotSupportedError(in.ModelName)
	}

	for _, cap := range in.Capabilities {
		if !contains(gm.SupportedCapabilities, cap) {
			return nil, gwerrors.NewInvalidRequestError("", in.ModelName, "model does not support capability "+cap)
		}
	}

	active, err := b.providers.ListActiveProviders(ctx, in.ProviderOffset, in.ProviderLimit)
	if err != nil {
		return nil, err
	}

	res := &BuildResult{GlobalModel: gm}
	var exact, convertible []*Candidate

	for _, p := range active {
		if !allowed(providers, p.ID) {
			continue
		}
		model, ok := b.providerModel(ctx, p.ID, gm.ID)
		if !ok {
			continue
		}
		if in.IsStream && !model.StreamingSupported() {
			res.Skips = append(res.Skips, Skip{ProviderID: p.ID, Reason: "streaming_not_supported"})
			continue
		}

		endpoints, err := b.providers.EndpointsByProvider(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		keys, err := b.providers.KeysByProvider(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		for _, ep := range orderEndpoints(endpoints, in.ClientSig) {
			if !ep.IsActive {
				continue
			}
			compat := b.endpointCompat(p, ep, in)
			if compat == format.CompatIncompatible {
				continue
			}

			for _, key := range keys {
				cand, skip := b.buildKeyCandidate(ctx, p, ep, key, model, gm, models, in, compat)
				if skip != nil {
					res.Skips = append(res.Skips, *skip)
					continue
				}
				if cand == nil {
					continue
				}
				if cand.NeedsConversion {
					convertible = append(convertible, cand)
				} else {
					exact = append(exact, cand)
				}
			}
		}
	}

	res.Candidates = append(exact, convertible...)
	return res, nil
}

// resolveGlobalModel finds the canonical model for a requested name: exact
// name first, then the models' mapping patterns.
func (b *Builder) resolveGlobalModel(ctx context.Context, name string) (*store.GlobalModel, error) {
	gm, err := b.providers.GlobalModelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if gm != nil && gm.IsActive {
		return gm, nil
	}

	all, err := b.providers.ListGlobalModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, candidate := range all {
		if !candidate.IsActive {
			continue
		}
		for _, pattern := range candidate.ModelMappings {
			if matchWildcard(pattern, name) {
				return candidate, nil
			}
		}
	}
	return nil, gwerrors.NewModelNotSupportedError(name)
}

func (b *Builder) providerModel(ctx context.Context, providerID, globalModelID string) (*store.Model, bool) {
	models, err := b.providers.ModelsByProvider(ctx, providerID)
	if err != nil {
		return nil, false
	}
	for _, m := range models {
		if m.IsActive && m.GlobalModelID == globalModelID {
			return m, true
		}
	}
	return nil, false
}

func (b *Builder) endpointCompat(p *store.Provider, ep *store.Endpoint, in BuildInput) format.Compatibility {
	var acc format.AcceptancePolicy
	if fa := ep.FormatAcceptance; fa != nil {
		acc = format.AcceptancePolicy{
			Enabled:          fa.Enabled,
			AcceptFormats:    fa.AcceptFormats,
			RejectFormats:    fa.RejectFormats,
			StreamConversion: fa.StreamConversion,
		}
	}
	skipEndpointCheck := in.ConversionEnabled || p.EnableFormatConversion
	return format.Compatible(in.ClientSig, ep.Signature(), acc, in.IsStream, in.ConversionEnabled, skipEndpointCheck)
}

func (b *Builder) buildKeyCandidate(
	ctx context.Context,
	p *store.Provider,
	ep *store.Endpoint,
	key *store.ProviderAPIKey,
	model *store.Model,
	gm *store.GlobalModel,
	callerModels []string,
	in BuildInput,
	compat format.Compatibility,
) (*Candidate, *Skip) {
	if !key.IsActive || !key.ServesSignature(ep.Signature()) {
		return nil, nil
	}

	if b.monitor != nil {
		if dec := b.monitor.Check(ctx, key.ID, ep.Signature()); !dec.Available {
			return nil, &Skip{ProviderID: p.ID, EndpointID: ep.ID, KeyID: key.ID, Reason: dec.Reason}
		}
	}

	if reason, ok := capabilityMatch(key.Capabilities, in.Capabilities); !ok {
		return nil, &Skip{ProviderID: p.ID, EndpointID: ep.ID, KeyID: key.ID, Reason: reason}
	}

	upstream, ok := resolveUpstreamModel(key, model, gm, ep.Signature())
	if !ok {
		return nil, &Skip{ProviderID: p.ID, EndpointID: ep.ID, KeyID: key.ID, Reason: "model_not_allowed_for_key"}
	}
	if !allowedWildcard(callerModels, gm.Name) {
		return nil, nil
	}

	check, ok := b.quotaChecks[p.ProviderType]
	if !ok {
		check = b.quotaChecks[""]
	}
	if check != nil {
		if ok, reason := check(key); !ok {
			return nil, &Skip{ProviderID: p.ID, EndpointID: ep.ID, KeyID: key.ID, Reason: reason}
		}
	}

	return &Candidate{
		Provider:        p,
		Endpoint:        ep,
		Key:             key,
		Model:           model,
		GlobalModel:     gm,
		Compat:          compat,
		NeedsConversion: compat == format.CompatConvertible,
		UpstreamModel:   upstream,
	}, nil
}

// capabilityMatch applies the three-valued capability rules on a key against
// the request's demanded capabilities.
func capabilityMatch(rules map[string]store.CapabilityRule, demanded []string) (string, bool) {
	for _, cap := range demanded {
		switch rules[cap] {
		case store.CapRequired, store.CapExclusive:
		case store.CapForbidden:
			return "capability_forbidden:" + cap, false
		default:
			return "capability_missing:" + cap, false
		}
	}
	// An exclusive capability the request does not demand wastes the key.
	for cap, rule := range rules {
		if rule == store.CapExclusive && !contains(demanded, cap) {
			return "key_exclusive_to:" + cap, false
		}
	}
	return "", true
}

// resolveUpstreamModel picks the provider-side model name the key may serve:
// the primary name when allowed, else the highest-priority mapping scoped to
// the endpoint signature that passes the key's allow-list.
func resolveUpstreamModel(key *store.ProviderAPIKey, model *store.Model, gm *store.GlobalModel, sig types.Signature) (string, bool) {
	if allowedWildcard(key.AllowedModels, model.ProviderModelName) ||
		allowedWildcard(key.AllowedModels, gm.Name) {
		return model.ProviderModelName, true
	}

	mappings := make([]store.ModelMapping, 0, len(model.Mappings))
	for _, m := range model.Mappings {
		if len(m.APIFormats) == 0 || contains(m.APIFormats, sig.String()) {
			mappings = append(mappings, m)
		}
	}
	sort.SliceStable(mappings, func(i, j int) bool { return mappings[i].Priority < mappings[j].Priority })
	for _, m := range mappings {
		if allowedWildcard(key.AllowedModels, m.Name) {
			return m.Name, true
		}
	}
	return "", false
}

// orderEndpoints sorts endpoints for a client signature: same kind and family
// first, then same kind, then same family, then the rest; ties break on
// family priority.
func orderEndpoints(endpoints []*store.Endpoint, client types.Signature) []*store.Endpoint {
	out := make([]*store.Endpoint, len(endpoints))
	copy(out, endpoints)
	rank := func(ep *store.Endpoint) int {
		sameKind := ep.Kind == client.Kind
		sameFamily := ep.Family == client.Family
		switch {
		case sameKind && sameFamily:
			return 0
		case sameKind:
			return 1
		case sameFamily:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return types.FamilyPriority(out[i].Family) < types.FamilyPriority(out[j].Family)
	})
	return out
}

// intersect merges two allow-lists: empty means unrestricted. The result is
// nil when both inputs are unrestricted, and a non-nil (possibly empty) slice
// otherwise.
func intersect(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	if out == nil {
		// Disjoint lists restrict to nothing; a sentinel keeps the result
		// distinguishable from "unrestricted".
		out = []string{}
	}
	return out
}

func allowed(list []string, v string) bool {
	if list == nil {
		return true
	}
	if len(list) == 0 {
		return false
	}
	return contains(list, v)
}

func allowedWildcard(list []string, v string) bool {
	if list == nil {
		return true
	}
	if len(list) == 0 {
		return false
	}
	for _, pattern := range list {
		if matchWildcard(pattern, v) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
