package llmgate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func videoBillingRule() *BillingRule {
	return &BillingRule{
		ID:         "rule-veo",
		Name:       "per-second video",
		IsActive:   true,
		Expression: "base_price * durationSeconds * resolution",
		Variables:  map[string]float64{"base_price": 0.05},
		DimensionMappings: map[string]map[string]float64{
			"resolution": {"720p": 1, "1080p": 2},
		},
		RequiredDimensions: []string{"durationSeconds", "resolution"},
	}
}

// newVideoFixture wires a Gateway against one gemini video upstream that
// reports the operation done after two polls.
func newVideoFixture(t *testing.T, requireRule bool) (*gatewayFixture, *atomic.Int32) {
	t.Helper()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"name":"models/veo-3/operations/op-1"}`))
			return
		}
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1beta/models/veo-3/operations/op-1"), r.URL.Path)
		if polls.Add(1) < 2 {
			w.Write([]byte(`{"name":"models/veo-3/operations/op-1","done":false}`))
			return
		}
		w.Write([]byte(`{"name":"models/veo-3/operations/op-1","done":true,` +
			`"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://cdn.example/v.mp4"}}]}}}`))
	}))
	t.Cleanup(srv.Close)

	providers := store.NewMemoryProviderStore()
	providers.AddGlobalModel(&store.GlobalModel{ID: "gm-veo", Name: "veo-3", IsActive: true})
	providers.AddProvider(&store.Provider{ID: "p1", Name: "gcp", Priority: 1, IsActive: true})
	providers.AddEndpoint(&store.Endpoint{
		ID: "e1", ProviderID: "p1",
		Family: types.FamilyGemini, Kind: types.KindVideo,
		BaseURL: srv.URL, IsActive: true,
	})
	providers.AddKey(&store.ProviderAPIKey{ID: "k1", ProviderID: "p1", IsActive: true, APIKey: "sk-test"})
	providers.AddModel(&store.Model{
		ID: "m1", ProviderID: "p1", GlobalModelID: "gm-veo",
		ProviderModelName: "veo-3", IsActive: true,
	})
	us := store.NewMemoryUsageStore(providers)

	cfg := config.DefaultConfig()
	cfg.Scheduler.MaxAttempts = 2
	cfg.Billing.RequireRule = requireRule
	cfg.Video.PollInterval = 5 * time.Millisecond
	cfg.Video.MaxPollCount = 20

	gw, err := New(
		WithConfig(cfg),
		WithProviderStore(providers),
		WithUsageStore(us),
		WithBillingRules(map[string]*BillingRule{"veo-3": videoBillingRule()}),
	)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return &gatewayFixture{gw: gw, providers: providers, usage: us}, &polls
}

func videoRequest(id string) *Request {
	return &Request{
		RequestID: id,
		ClientSig: Sig(FamilyGemini, KindVideo),
		Model:     "veo-3",
		Caller:    store.CallerIdentity{UserID: "u1"},
		Body: []byte(`{"instances":[{"prompt":"a red fox"}],` +
			`"parameters":{"durationSeconds":8,"resolution":"1080p"}}`),
	}
}

func TestGateway_SubmitVideo(t *testing.T) {
	f, _ := newVideoFixture(t, true)

	task, err := f.gw.SubmitVideo(context.Background(), videoRequest("req-vid-1"))
	require.NoError(t, err)

	assert.Equal(t, TaskSubmitted, task.State)
	assert.Equal(t, "models/veo-3/operations/op-1", task.Operation)
	assert.Equal(t, "p1", task.ProviderID)
	require.NotNil(t, task.Snapshot)
	assert.Equal(t, "rule-veo", task.Snapshot.RuleID)
	assert.EqualValues(t, 8, task.Dimensions["durationSeconds"])
}

func TestGateway_SubmitVideo_RequiresRule(t *testing.T) {
	f, _ := newVideoFixture(t, true)

	req := videoRequest("req-vid-2")
	f.providers.AddGlobalModel(&store.GlobalModel{ID: "gm-x", Name: "veo-unpriced", IsActive: true})
	f.providers.AddModel(&store.Model{
		ID: "m2", ProviderID: "p1", GlobalModelID: "gm-x",
		ProviderModelName: "veo-3", IsActive: true,
	})
	req.Model = "veo-unpriced"

	_, err := f.gw.SubmitVideo(context.Background(), req)
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, ge.Message, "billing rule")
}

func TestGateway_SubmitVideo_RejectsNonVideoSignature(t *testing.T) {
	f, _ := newVideoFixture(t, true)

	req := videoRequest("req-vid-3")
	req.ClientSig = Sig(FamilyGemini, KindChat)
	_, err := f.gw.SubmitVideo(context.Background(), req)
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type)
}

func TestGateway_PollVideo_BillsOnCompletion(t *testing.T) {
	f, polls := newVideoFixture(t, true)
	ctx := context.Background()

	task, err := f.gw.SubmitVideo(ctx, videoRequest("req-vid-4"))
	require.NoError(t, err)
	require.NoError(t, f.gw.PollVideo(ctx, task.ID))

	done, ok := f.gw.GetVideoTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, done.State)
	assert.Equal(t, "https://cdn.example/v.mp4", done.ArtifactURL)
	// 0.05 * 8s * 2 (1080p)
	assert.InDelta(t, 0.8, done.CostUSD, 1e-9)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestGateway_CancelVideo(t *testing.T) {
	f, _ := newVideoFixture(t, true)

	task, err := f.gw.SubmitVideo(context.Background(), videoRequest("req-vid-5"))
	require.NoError(t, err)

	f.gw.CancelVideo(task.ID)
	got, ok := f.gw.GetVideoTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskCancelled, got.State)
	assert.Zero(t, got.CostUSD)
}
