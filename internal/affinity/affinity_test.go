package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

var chatSig = types.Sig(types.FamilyClaude, types.KindChat)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewManager(DefaultConfig(), rdb, nil), mr
}

func TestManager_RecordAndLookup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1", SupportsCaching: true}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))

	got, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	assert.Equal(t, "k1", got.KeyID)
	assert.Equal(t, 1, got.RequestCount)
	assert.True(t, got.SupportsCaching)

	// Repeat use of the same key increments the counter.
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))
	got, found = m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	assert.Equal(t, 2, got.RequestCount)

	// Switching to a different key restarts the counter.
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", Entry{ProviderID: "p2", EndpointID: "e2", KeyID: "k2"}, 5*time.Minute))
	got, found = m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	assert.Equal(t, "k2", got.KeyID)
	assert.Equal(t, 1, got.RequestCount)

	// Other scopes stay independent.
	_, found = m.Lookup(ctx, "user-2", chatSig, "gm-1")
	assert.False(t, found)
	_, found = m.Lookup(ctx, "user-1", chatSig, "gm-2")
	assert.False(t, found)
}

func TestManager_SlidingTTL(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1"}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))

	mr.FastForward(4 * time.Minute)

	// A successful use resets the window.
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))
	mr.FastForward(4 * time.Minute)
	assert.True(t, mr.Exists("affinity:user-1:claude:chat:gm-1"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("affinity:user-1:claude:chat:gm-1"))
}

func TestManager_ZeroTTLDisablesAffinity(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1"}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))
	require.True(t, mr.Exists("affinity:user-1:claude:chat:gm-1"))

	// The key rotated into the zero-TTL pool: the binding is dropped.
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 0))
	assert.False(t, mr.Exists("affinity:user-1:claude:chat:gm-1"))
	_, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	assert.False(t, found)
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1"}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))

	require.NoError(t, m.Invalidate(ctx, "user-1", chatSig, "gm-1"))
	_, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	assert.False(t, found)
	assert.False(t, mr.Exists("affinity:user-1:claude:chat:gm-1"))
}

func TestManager_LocalBackfill(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1"}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))

	// Prime the local tier, then drop Redis out from under it.
	_, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	mr.FlushAll()

	got, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	assert.Equal(t, "k1", got.KeyID)
}

func TestManager_NoRedis(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), nil, nil)

	entry := Entry{ProviderID: "p1", EndpointID: "e1", KeyID: "k1"}
	require.NoError(t, m.Record(ctx, "user-1", chatSig, "gm-1", entry, 5*time.Minute))

	got, found := m.Lookup(ctx, "user-1", chatSig, "gm-1")
	require.True(t, found)
	assert.Equal(t, "k1", got.KeyID)

	require.NoError(t, m.Invalidate(ctx, "user-1", chatSig, "gm-1"))
	_, found = m.Lookup(ctx, "user-1", chatSig, "gm-1")
	assert.False(t, found)
}
