package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		admitted, count, err := c.Admit(ctx, "k1", 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}
	admitted, count, err := c.Admit(ctx, "k1", 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count)

	// Unlimited keys still count.
	admitted, count, err = c.Admit(ctx, "k1", 0)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 4, count)

	// The bucket resets on minute rollover.
	now = now.Add(time.Minute)
	admitted, count, err = c.Admit(ctx, "k1", 3)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, count)
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := NewRedisCounter(rdb)
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	c.now = func() time.Time { return now }

	admitted, count, err := c.Admit(ctx, "k1", 2)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, count)

	admitted, count, err = c.Admit(ctx, "k1", 2)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 2, count)

	admitted, count, err = c.Admit(ctx, "k1", 2)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 2, count)

	got, err := c.Observe(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	// The bucket carries a TTL so counters expire on their own.
	ttl := mr.TTL(c.bucketKey("k1"))
	assert.Equal(t, bucketTTL*time.Second, ttl)

	// Different keys get independent buckets.
	admitted, _, err = c.Admit(ctx, "k2", 2)
	require.NoError(t, err)
	assert.True(t, admitted)

	got, err = c.Observe(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestManager_ReservedCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryCounter(), nil, nil)

	// Probe phase reserves 10%: limit 10 leaves 9 slots for new callers.
	for i := 0; i < 9; i++ {
		dec, err := m.Admit(ctx, "k1", 10, false)
		require.NoError(t, err)
		assert.True(t, dec.Admitted)
		assert.Equal(t, 9, dec.Threshold)
	}

	dec, err := m.Admit(ctx, "k1", 10, false)
	require.NoError(t, err)
	assert.False(t, dec.Admitted)

	// Affinity callers may use the reserved slot.
	dec, err = m.Admit(ctx, "k1", 10, true)
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.Equal(t, 10, dec.Threshold)

	dec, err = m.Admit(ctx, "k1", 10, true)
	require.NoError(t, err)
	assert.False(t, dec.Admitted)
}

func TestManager_UnlimitedKey(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryCounter(), nil, nil)

	for i := 0; i < 100; i++ {
		dec, err := m.Admit(ctx, "k1", 0, false)
		require.NoError(t, err)
		assert.True(t, dec.Admitted)
	}
}

func TestManager_TinyLimitAdmitsOne(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryCounter(), nil, nil)

	// floor(1 * 0.9) = 0 is raised to 1 so the key is never starved.
	dec, err := m.Admit(ctx, "k1", 1, false)
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.Equal(t, 1, dec.Threshold)

	dec, err = m.Admit(ctx, "k1", 1, false)
	require.NoError(t, err)
	assert.False(t, dec.Admitted)
}

type failingCounter struct{}

func (failingCounter) Admit(context.Context, string, int) (bool, int, error) {
	return false, 0, errors.New("redis down")
}

func (failingCounter) Observe(context.Context, string) (int, error) {
	return 0, errors.New("redis down")
}

func TestManager_FallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	m := NewManager(failingCounter{}, nil, nil)

	dec, err := m.Admit(ctx, "k1", 10, false)
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
	assert.Equal(t, 1, dec.Count)

	dec, err = m.Admit(ctx, "k1", 10, false)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.Count)
}

func TestReservation_Phases(t *testing.T) {
	cfg := DefaultReservationConfig()
	rm := NewReservationManager(cfg)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return now }

	// Probe phase until enough successes.
	assert.Equal(t, cfg.ProbeRatio, rm.Ratio("k1"))
	for i := 0; i < cfg.ProbeSuccessThreshold; i++ {
		rm.RecordSuccess("k1")
	}

	// Stable phase with a clean history stays at the floor.
	assert.Equal(t, cfg.MinRatio, rm.Ratio("k1"))

	// A burst of 429s pushes the ratio up once the cooldown passes.
	for i := 0; i < 5; i++ {
		rm.Record429("k1")
	}
	assert.Equal(t, cfg.ProbeRatio, rm.Ratio("k1"), "429 inside cooldown forces probe ratio")

	now = now.Add(cfg.Cooldown429 + time.Second)
	ratio := rm.Ratio("k1")
	assert.Greater(t, ratio, cfg.MinRatio)
	assert.LessOrEqual(t, ratio, cfg.MaxRatio)

	// Repeated adjustments stay inside the stable band.
	for i := 0; i < 20; i++ {
		next := rm.Ratio("k1")
		assert.LessOrEqual(t, next, cfg.MaxRatio)
		assert.GreaterOrEqual(t, next, cfg.MinRatio)
	}

	// Successes decay the 429 pressure back toward the floor.
	for i := 0; i < 200; i++ {
		rm.RecordSuccess("k1")
	}
	assert.Less(t, rm.Ratio("k1"), ratio+0.01)
}
