// Package affinity remembers which upstream key served a caller recently so
// follow-up requests land on the same key and reuse its prompt cache. Entries
// live in Redis with a sliding TTL sourced from the key's cache window; a
// short-lived local cache in front absorbs repeat lookups.
package affinity

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Entry is one affinity binding: the route a caller should be steered back to.
type Entry struct {
	ProviderID      string `json:"provider_id"`
	EndpointID      string `json:"endpoint_id"`
	KeyID           string `json:"key_id"`
	RequestCount    int    `json:"request_count"`
	SupportsCaching bool   `json:"supports_caching"`
}

// Config tunes the Manager.
type Config struct {
	// LocalTTL bounds how long an entry may be served from the local tier
	// without consulting Redis.
	LocalTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{LocalTTL: 30 * time.Second}
}

// Manager is the affinity store. Redis is the authoritative tier; when no
// Redis client is provided entries live only in the local cache.
type Manager struct {
	cfg    Config
	rdb    redis.UniversalClient
	local  *cache.Cache
	logger *observability.Logger
}

// NewManager creates a Manager. rdb may be nil for single-process use.
func NewManager(cfg Config, rdb redis.UniversalClient, logger *observability.Logger) *Manager {
	if cfg.LocalTTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:    cfg,
		rdb:    rdb,
		local:  cache.New(cfg.LocalTTL, cfg.LocalTTL*2),
		logger: logger,
	}
}

func entryKey(affinityKey string, sig types.Signature, globalModelID string) string {
	return fmt.Sprintf("affinity:%s:%s:%s", affinityKey, sig, globalModelID)
}

// Lookup returns the remembered route for a caller, if any.
func (m *Manager) Lookup(ctx context.Context, affinityKey string, sig types.Signature, globalModelID string) (*Entry, bool) {
	key := entryKey(affinityKey, sig, globalModelID)

	if val, found := m.local.Get(key); found {
		if e, ok := val.(*Entry); ok {
			return e, true
		}
	}

	if m.rdb == nil {
		return nil, false
	}
	raw, err := m.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		if m.logger != nil {
			m.logger.RedactedWarn("affinity lookup failed", "key", key, "error", err)
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	m.local.Set(key, &e, cache.DefaultExpiration)
	return &e, true
}

// Record binds a caller to the route that just served it and resets the
// sliding TTL. ttl is the serving key's cache window; ttl <= 0 means the key
// opted out of affinity and any stale binding is dropped instead.
func (m *Manager) Record(ctx context.Context, affinityKey string, sig types.Signature, globalModelID string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return m.Invalidate(ctx, affinityKey, sig, globalModelID)
	}
	key := entryKey(affinityKey, sig, globalModelID)

	if prev, found := m.Lookup(ctx, affinityKey, sig, globalModelID); found && prev.KeyID == e.KeyID {
		e.RequestCount = prev.RequestCount + 1
	} else if e.RequestCount == 0 {
		e.RequestCount = 1
	}

	localTTL := m.cfg.LocalTTL
	if ttl < localTTL {
		localTTL = ttl
	}
	m.local.Set(key, &e, localTTL)

	if m.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal affinity entry: %w", err)
	}
	if err := m.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store affinity entry: %w", err)
	}
	return nil
}

// Invalidate drops a binding from both tiers. Called on auth failures,
// circuit-open events, and key rotation.
func (m *Manager) Invalidate(ctx context.Context, affinityKey string, sig types.Signature, globalModelID string) error {
	key := entryKey(affinityKey, sig, globalModelID)
	m.local.Delete(key)
	if m.rdb == nil {
		return nil
	}
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate affinity entry: %w", err)
	}
	return nil
}
