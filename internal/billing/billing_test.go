package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoRule() *Rule {
	return &Rule{
		ID:         "rule-video",
		Name:       "per-second video",
		IsActive:   true,
		Expression: "base_price * duration_seconds * resolution",
		Variables:  map[string]float64{"base_price": 0.02},
		DimensionMappings: map[string]map[string]float64{
			"resolution": {"720p": 1, "1080p": 1.5},
		},
		RequiredDimensions: []string{"duration_seconds", "resolution"},
	}
}

func TestEvalExpr(t *testing.T) {
	vars := map[string]float64{"a": 3, "b_2": 4}

	for _, tc := range []struct {
		expr string
		want float64
	}{
		{"a + b_2", 7},
		{"a * b_2 - 2", 10},
		{"(a + 1) * 2", 8},
		{"-a + 10", 7},
		{"a / 2", 1.5},
		{"0.5 * b_2", 2},
	} {
		got, err := evalExpr(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.InDelta(t, tc.want, got, 1e-9, tc.expr)
	}

	_, err := evalExpr("a + unknown", vars)
	assert.Error(t, err)
	_, err = evalExpr("a / 0", vars)
	assert.Error(t, err)
	_, err = evalExpr("a +", vars)
	assert.Error(t, err)
}

func TestSnapshot_Evaluate(t *testing.T) {
	snap := Freeze(videoRule(), time.Now())

	cost, err := snap.Evaluate(map[string]any{
		"duration_seconds": 10,
		"resolution":       "1080p",
	}, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.02*10*1.5, cost, 1e-9)
}

func TestSnapshot_StrictMissingDimension(t *testing.T) {
	snap := Freeze(videoRule(), time.Now())

	_, err := snap.Evaluate(map[string]any{"resolution": "720p"}, true)
	assert.Error(t, err)

	// Non-strict zeroes the missing dimension instead of failing.
	cost, err := snap.Evaluate(map[string]any{"resolution": "720p"}, false)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestSnapshot_FrozenAgainstRuleEdits(t *testing.T) {
	rule := videoRule()
	snap := Freeze(rule, time.Now())

	// Catalog edit after freeze must not affect the snapshot.
	rule.Variables["base_price"] = 100

	cost, err := snap.Evaluate(map[string]any{
		"duration_seconds": 5,
		"resolution":       "720p",
	}, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cost, 1e-9)
}

func TestTasks_SubmitRequiresRule(t *testing.T) {
	tasks := NewTasks(DefaultConfig(), nil)

	_, err := tasks.Submit(Task{ID: "t1", Model: "video-x"}, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.RequireRule = false
	lax := NewTasks(cfg, nil)
	task, err := lax.Submit(Task{ID: "t1", Model: "video-x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, TaskSubmitted, task.State)
}

func TestTasks_FinalizeStrictFailureVoidsArtifact(t *testing.T) {
	tasks := NewTasks(DefaultConfig(), nil)
	_, err := tasks.Submit(Task{ID: "t1", Model: "video-x"}, videoRule())
	require.NoError(t, err)

	err = tasks.Finalize("t1", map[string]any{"resolution": "720p"}, "https://cdn/x.mp4")
	assert.Error(t, err)

	task, ok := tasks.Get("t1")
	require.True(t, ok)
	assert.Equal(t, TaskFailed, task.State)
	assert.Zero(t, task.CostUSD)
	assert.Empty(t, task.ArtifactURL)
}

func TestTasks_PollToCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	tasks := NewTasks(cfg, nil)

	_, err := tasks.Submit(Task{ID: "t1", Model: "video-x"}, videoRule())
	require.NoError(t, err)

	calls := 0
	err = tasks.Poll(context.Background(), "t1", func(_ context.Context, _ *Task) (bool, map[string]any, string, error) {
		calls++
		if calls < 3 {
			return false, nil, "", nil
		}
		return true, map[string]any{"duration_seconds": 8, "resolution": "720p"}, "https://cdn/x.mp4", nil
	})
	require.NoError(t, err)

	task, _ := tasks.Get("t1")
	assert.Equal(t, TaskCompleted, task.State)
	assert.InDelta(t, 0.16, task.CostUSD, 1e-9)
	assert.Equal(t, "https://cdn/x.mp4", task.ArtifactURL)
	assert.Equal(t, 3, task.PollCount)
}

func TestTasks_PollBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollCount = 3
	tasks := NewTasks(cfg, nil)

	_, err := tasks.Submit(Task{ID: "t1", Model: "video-x"}, videoRule())
	require.NoError(t, err)

	err = tasks.Poll(context.Background(), "t1", func(_ context.Context, _ *Task) (bool, map[string]any, string, error) {
		return false, nil, "", nil
	})
	assert.Error(t, err)

	task, _ := tasks.Get("t1")
	assert.Equal(t, TaskFailed, task.State)
	assert.Zero(t, task.CostUSD)
}
