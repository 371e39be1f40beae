package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryProviderStore is an in-memory ProviderStore for tests and
// single-process deployments.
type MemoryProviderStore struct {
	mu sync.RWMutex

	providers map[string]*Provider
	endpoints map[string][]*Endpoint       // by provider ID
	keys      map[string][]*ProviderAPIKey // by provider ID
	models    map[string][]*Model          // by provider ID
	globals   map[string]*GlobalModel      // by name
}

// NewMemoryProviderStore creates an empty in-memory provider store.
func NewMemoryProviderStore() *MemoryProviderStore {
	return &MemoryProviderStore{
		providers: make(map[string]*Provider),
		endpoints: make(map[string][]*Endpoint),
		keys:      make(map[string][]*ProviderAPIKey),
		models:    make(map[string][]*Model),
		globals:   make(map[string]*GlobalModel),
	}
}

// AddProvider registers a provider.
func (s *MemoryProviderStore) AddProvider(p *Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
}

// AddEndpoint registers an endpoint under its provider, replacing any
// existing endpoint with the same ID.
func (s *MemoryProviderStore) AddEndpoint(e *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.endpoints[e.ProviderID] {
		if existing.ID == e.ID {
			s.endpoints[e.ProviderID][i] = e
			return
		}
	}
	s.endpoints[e.ProviderID] = append(s.endpoints[e.ProviderID], e)
}

// AddKey registers a key under its provider, replacing any existing key with
// the same ID.
func (s *MemoryProviderStore) AddKey(k *ProviderAPIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.keys[k.ProviderID] {
		if existing.ID == k.ID {
			s.keys[k.ProviderID][i] = k
			return
		}
	}
	s.keys[k.ProviderID] = append(s.keys[k.ProviderID], k)
}

// AddModel registers a provider model, replacing any existing model with the
// same ID.
func (s *MemoryProviderStore) AddModel(m *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.models[m.ProviderID] {
		if existing.ID == m.ID {
			s.models[m.ProviderID][i] = m
			return
		}
	}
	s.models[m.ProviderID] = append(s.models[m.ProviderID], m)
}

// AddGlobalModel registers a global model by name.
func (s *MemoryProviderStore) AddGlobalModel(gm *GlobalModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[gm.Name] = gm
}

// ListActiveProviders implements ProviderStore.
func (s *MemoryProviderStore) ListActiveProviders(_ context.Context, offset, limit int) ([]*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	if offset >= len(active) {
		return nil, nil
	}
	active = active[offset:]
	if limit > 0 && limit < len(active) {
		active = active[:limit]
	}
	return active, nil
}

// GetProvider implements ProviderStore.
func (s *MemoryProviderStore) GetProvider(_ context.Context, providerID string) (*Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[providerID], nil
}

// EndpointsByProvider implements ProviderStore.
func (s *MemoryProviderStore) EndpointsByProvider(_ context.Context, providerID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Endpoint(nil), s.endpoints[providerID]...), nil
}

// KeysByProvider implements ProviderStore.
func (s *MemoryProviderStore) KeysByProvider(_ context.Context, providerID string) ([]*ProviderAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ProviderAPIKey(nil), s.keys[providerID]...), nil
}

// ModelsByProvider implements ProviderStore.
func (s *MemoryProviderStore) ModelsByProvider(_ context.Context, providerID string) ([]*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Model(nil), s.models[providerID]...), nil
}

// GlobalModelByName implements ProviderStore.
func (s *MemoryProviderStore) GlobalModelByName(_ context.Context, name string) (*GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals[name], nil
}

// ListGlobalModels implements ProviderStore.
func (s *MemoryProviderStore) ListGlobalModels(_ context.Context) ([]*GlobalModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*GlobalModel, 0, len(s.globals))
	for _, gm := range s.globals {
		out = append(out, gm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// IncrementGlobalModelUsage implements ProviderStore.
func (s *MemoryProviderStore) IncrementGlobalModelUsage(_ context.Context, globalModelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gm := range s.globals {
		if gm.ID == globalModelID {
			gm.UsageCount++
			return nil
		}
	}
	return nil
}

// UpdateLearnedRPMLimit implements ProviderStore.
func (s *MemoryProviderStore) UpdateLearnedRPMLimit(_ context.Context, keyID string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, keys := range s.keys {
		for _, k := range keys {
			if k.ID == keyID {
				k.LearnedRPMLimit = limit
				return nil
			}
		}
	}
	return nil
}

type candidateKey struct {
	requestID      string
	candidateIndex int
	retryIndex     int
}

// MemoryUsageStore is an in-memory UsageStore. It enforces the same
// lifecycle rules as the SQL implementation: unique request IDs, no backward
// terminal transitions, idempotent repeats of the same terminal state.
type MemoryUsageStore struct {
	mu sync.Mutex

	providers *MemoryProviderStore // optional, for monthly accumulation

	usage      map[string]*UsageRecord
	candidates map[candidateKey]*CandidateRecord

	now func() time.Time
}

// NewMemoryUsageStore creates an empty in-memory usage store. providers may
// be nil when monthly accumulation is not under test.
func NewMemoryUsageStore(providers *MemoryProviderStore) *MemoryUsageStore {
	return &MemoryUsageStore{
		providers:  providers,
		usage:      make(map[string]*UsageRecord),
		candidates: make(map[candidateKey]*CandidateRecord),
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *MemoryUsageStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreatePending implements UsageStore.
func (s *MemoryUsageStore) CreatePending(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usage[rec.RequestID]; exists {
		return ErrDuplicateRequest
	}

	cp := *rec
	cp.Status = UsagePending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.usage[rec.RequestID] = &cp
	return nil
}

// UpdateStatus implements UsageStore.
func (s *MemoryUsageStore) UpdateStatus(_ context.Context, requestID string, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if rec.Status.IsTerminal() {
		return ErrTerminalState
	}

	rec.Status = upd.Status
	if upd.ProviderID != "" {
		rec.ProviderID = upd.ProviderID
	}
	if upd.EndpointID != "" {
		rec.EndpointID = upd.EndpointID
	}
	if upd.KeyID != "" {
		rec.KeyID = upd.KeyID
	}
	if upd.APIFormat != "" {
		rec.APIFormat = upd.APIFormat
	}
	if upd.FirstByteTimeMS > 0 && rec.FirstByteTimeMS == 0 {
		rec.FirstByteTimeMS = upd.FirstByteTimeMS
	}
	if upd.HasFormatConversion {
		rec.HasFormatConversion = true
	}
	rec.UpdatedAt = s.now()
	return nil
}

// Finalize implements UsageStore.
func (s *MemoryUsageStore) Finalize(_ context.Context, requestID string, upd TerminalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if rec.Status.IsTerminal() {
		// Repeating the same terminal state is idempotent; moving between
		// terminal states is refused.
		if rec.Status == upd.Status {
			return nil
		}
		return ErrTerminalState
	}

	rec.Status = upd.Status
	rec.StatusCode = upd.StatusCode
	rec.Usage = upd.Usage
	rec.ResponseTimeMS = upd.ResponseTimeMS
	if upd.FirstByteTimeMS > 0 && rec.FirstByteTimeMS == 0 {
		rec.FirstByteTimeMS = upd.FirstByteTimeMS
	}
	rec.TotalCostUSD = upd.TotalCostUSD
	rec.ActualTotalCostUSD = upd.ActualTotalCostUSD
	rec.ErrorMessage = upd.ErrorMessage
	if upd.ResponseBody != nil {
		rec.ResponseBody = upd.ResponseBody
	}
	if upd.RequestMetadata != nil {
		rec.RequestMetadata = upd.RequestMetadata
	}
	rec.UpdatedAt = s.now()

	if s.providers != nil && rec.ProviderID != "" && upd.ActualTotalCostUSD > 0 {
		s.providers.mu.Lock()
		if p, ok := s.providers.providers[rec.ProviderID]; ok {
			p.MonthlyUsedUSD += upd.ActualTotalCostUSD
		}
		s.providers.mu.Unlock()
	}

	return nil
}

// Get implements UsageStore.
func (s *MemoryUsageStore) Get(_ context.Context, requestID string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *rec
	return &cp, nil
}

// AppendCandidate implements UsageStore.
func (s *MemoryUsageStore) AppendCandidate(_ context.Context, rec *CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := candidateKey{rec.RequestID, rec.CandidateIndex, rec.RetryIndex}
	cp := *rec
	if cp.StartedAt.IsZero() {
		cp.StartedAt = s.now()
	}
	s.candidates[k] = &cp
	return nil
}

// UpdateCandidate implements UsageStore.
func (s *MemoryUsageStore) UpdateCandidate(_ context.Context, requestID string, candidateIndex, retryIndex int, upd CandidateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := candidateKey{requestID, candidateIndex, retryIndex}
	rec, ok := s.candidates[k]
	if !ok {
		return ErrRequestNotFound
	}

	rec.State = upd.State
	if upd.StatusCode != 0 {
		rec.StatusCode = upd.StatusCode
	}
	if upd.ErrorType != "" {
		rec.ErrorType = upd.ErrorType
	}
	if upd.ErrorMessage != "" {
		rec.ErrorMessage = upd.ErrorMessage
	}
	if upd.SkipReason != "" {
		rec.SkipReason = upd.SkipReason
	}
	if upd.LatencyMS > 0 {
		rec.LatencyMS = upd.LatencyMS
	}
	if upd.FirstByteTimeMS > 0 {
		rec.FirstByteTimeMS = upd.FirstByteTimeMS
	}
	if upd.Extra != nil {
		rec.Extra = upd.Extra
	}
	rec.FinishedAt = s.now()
	return nil
}

// ListCandidates implements UsageStore.
func (s *MemoryUsageStore) ListCandidates(_ context.Context, requestID string) ([]*CandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*CandidateRecord
	for k, rec := range s.candidates {
		if k.requestID == requestID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CandidateIndex != out[j].CandidateIndex {
			return out[i].CandidateIndex < out[j].CandidateIndex
		}
		return out[i].RetryIndex < out[j].RetryIndex
	})
	return out, nil
}

// CleanupStalePending implements UsageStore.
func (s *MemoryUsageStore) CleanupStalePending(_ context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	swept := 0
	for _, rec := range s.usage {
		if rec.Status.IsTerminal() {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			rec.Status = UsageFailed
			rec.StatusCode = 504
			rec.ErrorMessage = "request timed out in pending state"
			rec.UpdatedAt = s.now()
			swept++
		}
	}
	return swept, nil
}

// MemoryConfigStore is an in-memory ConfigStore.
type MemoryConfigStore struct {
	mu       sync.RWMutex
	settings map[string]string
}

// NewMemoryConfigStore creates an empty in-memory config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{settings: make(map[string]string)}
}

// Set stores a setting.
func (s *MemoryConfigStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

// GetSetting implements ConfigStore.
func (s *MemoryConfigStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}
