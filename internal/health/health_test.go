package health

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

var chatSig = types.Sig(types.FamilyOpenAI, types.KindChat)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	m := NewMonitor(DefaultConfig(), nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.rand = func() float64 { return 0.5 } // jitter factor 1.0
	return m, &now
}

func TestMonitor_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		m.ReportFailure(ctx, "k1", chatSig, 500, 0)
		assert.True(t, m.Check(ctx, "k1", chatSig).Available)
	}
	m.ReportFailure(ctx, "k1", chatSig, 500, 0)

	dec := m.Check(ctx, "k1", chatSig)
	assert.False(t, dec.Available)
	assert.Contains(t, dec.Reason, "circuit_open")
	assert.Equal(t, StateOpen, m.StateOf("k1", chatSig))

	// A success on the way in resets the failure streak.
	m2, _ := newTestMonitor(t)
	for i := 0; i < 4; i++ {
		m2.ReportFailure(ctx, "k1", chatSig, 500, 0)
	}
	m2.ReportSuccess(ctx, "k1", chatSig)
	m2.ReportFailure(ctx, "k1", chatSig, 500, 0)
	assert.Equal(t, StateClosed, m2.StateOf("k1", chatSig))
}

func TestMonitor_ImmediateOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("auth failure", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.ReportFailure(ctx, "k1", chatSig, 401, 0)
		assert.Equal(t, StateOpen, m.StateOf("k1", chatSig))
	})

	t.Run("429 with long retry-after", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.ReportFailure(ctx, "k1", chatSig, 429, 2*time.Minute)
		assert.Equal(t, StateOpen, m.StateOf("k1", chatSig))
	})

	t.Run("429 with short retry-after stays closed", func(t *testing.T) {
		m, _ := newTestMonitor(t)
		m.ReportFailure(ctx, "k1", chatSig, 429, 5*time.Second)
		assert.Equal(t, StateClosed, m.StateOf("k1", chatSig))
	})
}

func TestMonitor_HalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMonitor(t)

	m.ReportFailure(ctx, "k1", chatSig, 403, 0)
	require.Equal(t, StateOpen, m.StateOf("k1", chatSig))

	// Still cooling down.
	assert.False(t, m.Check(ctx, "k1", chatSig).Available)

	*now = now.Add(31 * time.Second)
	dec := m.Check(ctx, "k1", chatSig)
	assert.True(t, dec.Available)
	assert.Equal(t, StateHalfOpen, m.StateOf("k1", chatSig))

	// Only one probe is admitted.
	dec = m.Check(ctx, "k1", chatSig)
	assert.False(t, dec.Available)
	assert.Equal(t, "circuit_half_open_probe_in_flight", dec.Reason)

	m.ReportSuccess(ctx, "k1", chatSig)
	assert.Equal(t, StateClosed, m.StateOf("k1", chatSig))
	assert.True(t, m.Check(ctx, "k1", chatSig).Available)
}

func TestMonitor_ReopenDoublesCooldown(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMonitor(t)

	m.ReportFailure(ctx, "k1", chatSig, 401, 0)

	*now = now.Add(31 * time.Second)
	require.True(t, m.Check(ctx, "k1", chatSig).Available)

	// The probe fails, reopening with a doubled cooldown.
	m.ReportFailure(ctx, "k1", chatSig, 500, 0)
	require.Equal(t, StateOpen, m.StateOf("k1", chatSig))

	*now = now.Add(31 * time.Second)
	assert.False(t, m.Check(ctx, "k1", chatSig).Available)

	*now = now.Add(30 * time.Second)
	assert.True(t, m.Check(ctx, "k1", chatSig).Available)
}

func TestMonitor_RetryAfterExtendsCooldown(t *testing.T) {
	ctx := context.Background()
	m, now := newTestMonitor(t)

	m.ReportFailure(ctx, "k1", chatSig, 429, 90*time.Second)
	require.Equal(t, StateOpen, m.StateOf("k1", chatSig))

	*now = now.Add(31 * time.Second)
	assert.False(t, m.Check(ctx, "k1", chatSig).Available)

	*now = now.Add(60 * time.Second)
	assert.True(t, m.Check(ctx, "k1", chatSig).Available)
}

func TestMonitor_RedisMirror(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	m := NewMonitor(DefaultConfig(), rdb, nil)
	m.rand = func() float64 { return 0.5 }

	m.ReportFailure(ctx, "k1", chatSig, 401, 0)

	fields, err := rdb.HGetAll(ctx, "circuit:k1:openai:chat").Result()
	require.NoError(t, err)
	assert.Equal(t, "open", fields["state"])

	// A sibling process with no local state adopts the mirrored circuit.
	sibling := NewMonitor(DefaultConfig(), rdb, nil)
	dec := sibling.Check(ctx, "k1", chatSig)
	assert.False(t, dec.Available)
	assert.Equal(t, StateOpen, sibling.StateOf("k1", chatSig))

	m.Reset(ctx, "k1", chatSig)
	assert.Equal(t, StateClosed, m.StateOf("k1", chatSig))
	exists, err := rdb.Exists(ctx, "circuit:k1:openai:chat").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRPMLearner_ShrinksOn429(t *testing.T) {
	ctx := context.Background()
	providers := store.NewMemoryProviderStore()
	providers.AddProvider(&store.Provider{ID: "p1", IsActive: true})
	providers.AddKey(&store.ProviderAPIKey{ID: "k1", ProviderID: "p1", IsActive: true})

	l := NewRPMLearner(DefaultRPMLearnerConfig(), providers, nil)
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 40; i++ {
		l.Record(ctx, "k1")
	}
	learned := l.On429(ctx, "k1")
	assert.Equal(t, 20, learned)
	assert.Equal(t, 20, l.LearnedLimit("k1"))

	keys, err := providers.KeysByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 20, keys[0].LearnedRPMLimit)

	// Shrink never drops below 1.
	l2 := NewRPMLearner(DefaultRPMLearnerConfig(), nil, nil)
	l2.now = func() time.Time { return now }
	l2.Record(ctx, "k2")
	assert.Equal(t, 1, l2.On429(ctx, "k2"))
}

func TestRPMLearner_GrowsAfterSustainedNearLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultRPMLearnerConfig()
	cfg.GrowthCooldown = time.Minute

	l := NewRPMLearner(cfg, nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Seed("k1", 10)
	require.Equal(t, 10, l.LearnedLimit("k1"))

	// Three full minutes at or above 80% of the limit.
	for minute := 0; minute < 3; minute++ {
		for i := 0; i < 9; i++ {
			l.Record(ctx, "k1")
		}
		now = now.Add(time.Minute)
	}
	l.Record(ctx, "k1")
	assert.Equal(t, 11, l.LearnedLimit("k1"))

	// A 429 resets the streak and shrinks from the observed rate.
	l.On429(ctx, "k1")
	assert.Equal(t, 4, l.LearnedLimit("k1"))
}

func TestRPMLearner_QuietMinutesResetStreak(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultRPMLearnerConfig()
	cfg.GrowthCooldown = time.Minute

	l := NewRPMLearner(cfg, nil, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Seed("k1", 10)

	// Two busy minutes, one quiet minute, two busy minutes: no growth.
	counts := []int{9, 9, 1, 9, 9}
	for _, n := range counts {
		for i := 0; i < n; i++ {
			l.Record(ctx, "k1")
		}
		now = now.Add(time.Minute)
	}
	l.Record(ctx, "k1")
	assert.Equal(t, 10, l.LearnedLimit("k1"))
}
