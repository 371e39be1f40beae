package llmgate

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

const openaiSyncBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "model-x-turbo",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 5}
}`

var openaiStreamChunks = []string{
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n",
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n",
	"data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":2}}\n\n",
	"data: [DONE]\n\n",
}

type collectSink struct {
	buf bytes.Buffer
}

func (s *collectSink) Write(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}

func (s *collectSink) Flush() {}

type gatewayFixture struct {
	gw        *Gateway
	providers *store.MemoryProviderStore
	usage     *store.MemoryUsageStore
}

// newGatewayFixture wires a Gateway against one openai-format upstream.
func newGatewayFixture(t *testing.T, upstreamURL string) *gatewayFixture {
	t.Helper()
	providers := store.NewMemoryProviderStore()
	providers.AddGlobalModel(&store.GlobalModel{ID: "gm1", Name: "model-x", IsActive: true})
	providers.AddProvider(&store.Provider{ID: "p1", Name: "alpha", Priority: 1, IsActive: true})
	providers.AddEndpoint(&store.Endpoint{
		ID: "e1", ProviderID: "p1",
		Family: types.FamilyOpenAI, Kind: types.KindChat,
		BaseURL: upstreamURL, IsActive: true,
	})
	providers.AddKey(&store.ProviderAPIKey{ID: "k1", ProviderID: "p1", IsActive: true})
	providers.AddModel(&store.Model{
		ID: "m1", ProviderID: "p1", GlobalModelID: "gm1",
		ProviderModelName: "model-x-turbo", IsActive: true,
	})
	us := store.NewMemoryUsageStore(providers)

	cfg := config.DefaultConfig()
	cfg.Scheduler.MaxAttempts = 3

	gw, err := New(
		WithConfig(cfg),
		WithProviderStore(providers),
		WithUsageStore(us),
	)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return &gatewayFixture{gw: gw, providers: providers, usage: us}
}

func chatRequest(id string) *Request {
	return &Request{
		RequestID: id,
		ClientSig: Sig(FamilyOpenAI, KindChat),
		Model:     "model-x",
		Caller:    store.CallerIdentity{UserID: "u1", APIKeyID: "ck1"},
		Body:      []byte(`{"model":"model-x","messages":[{"role":"user","content":"hi"}]}`),
	}
}

func TestNew_RequiresProviderStore(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider store")
}

func TestGateway_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openaiSyncBody))
	}))
	defer srv.Close()
	f := newGatewayFixture(t, srv.URL)

	resp, err := f.gw.Complete(context.Background(), chatRequest("req-sync-1"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", resp.Provider)
	assert.Equal(t, "model-x-turbo", resp.Model)
	assert.False(t, resp.Converted)
	assert.Contains(t, string(resp.Body), "hello")
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	rec, err := f.usage.Get(context.Background(), "req-sync-1")
	require.NoError(t, err)
	assert.Equal(t, store.UsageCompleted, rec.Status)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, "p1", rec.ProviderID)
	assert.Equal(t, 12, rec.Usage.InputTokens)
}

func TestGateway_Complete_FailoverOn429(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openaiSyncBody))
	}))
	defer good.Close()

	f := newGatewayFixture(t, bad.URL)
	f.providers.AddProvider(&store.Provider{ID: "p2", Name: "beta", Priority: 2, IsActive: true})
	f.providers.AddEndpoint(&store.Endpoint{
		ID: "e2", ProviderID: "p2",
		Family: types.FamilyOpenAI, Kind: types.KindChat,
		BaseURL: good.URL, IsActive: true,
	})
	f.providers.AddKey(&store.ProviderAPIKey{ID: "k2", ProviderID: "p2", IsActive: true})
	f.providers.AddModel(&store.Model{
		ID: "m2", ProviderID: "p2", GlobalModelID: "gm1",
		ProviderModelName: "model-x-beta", IsActive: true,
	})

	resp, err := f.gw.Complete(context.Background(), chatRequest("req-fo-1"))
	require.NoError(t, err)

	assert.Equal(t, "beta", resp.Provider)
	assert.EqualValues(t, 1, badHits.Load())

	trail, err := f.usage.ListCandidates(context.Background(), "req-fo-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "p1", trail[0].ProviderID)
	assert.Equal(t, http.StatusTooManyRequests, trail[0].StatusCode)
	assert.Equal(t, "p2", trail[1].ProviderID)
}

func TestGateway_Complete_NoRoute(t *testing.T) {
	f := newGatewayFixture(t, "http://127.0.0.1:0")

	req := chatRequest("req-nr-1")
	req.Model = "no-such-model"
	_, err := f.gw.Complete(context.Background(), req)

	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeModelNotSupported, ge.Type)

	rec, err := f.usage.Get(context.Background(), "req-nr-1")
	require.NoError(t, err)
	assert.Equal(t, store.UsageFailed, rec.Status)
}

func TestGateway_Complete_DuplicateRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openaiSyncBody))
	}))
	defer srv.Close()
	f := newGatewayFixture(t, srv.URL)

	_, err := f.gw.Complete(context.Background(), chatRequest("req-dup-1"))
	require.NoError(t, err)

	_, err = f.gw.Complete(context.Background(), chatRequest("req-dup-1"))
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type)
}

func TestGateway_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range openaiStreamChunks {
			w.Write([]byte(chunk))
			fl.Flush()
		}
	}))
	defer srv.Close()
	f := newGatewayFixture(t, srv.URL)

	var sink collectSink
	var firstOutput atomic.Int32
	req := chatRequest("req-stream-1")
	res, err := f.gw.Stream(context.Background(), req, StreamOptions{
		Sink:          &sink,
		OnFirstOutput: func() { firstOutput.Add(1) },
	})
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.False(t, res.ClientDisconnected)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "alpha", res.Provider)
	assert.Equal(t, 10, res.Usage.InputTokens)
	assert.Equal(t, 2, res.Usage.OutputTokens)
	assert.EqualValues(t, 1, firstOutput.Load())

	wire := sink.buf.String()
	assert.Contains(t, wire, "Hel")
	assert.True(t, strings.HasSuffix(wire, "data: [DONE]\n\n"))

	rec, err := f.usage.Get(context.Background(), "req-stream-1")
	require.NoError(t, err)
	assert.Equal(t, store.UsageCompleted, rec.Status)
	assert.True(t, rec.IsStream)
	assert.Equal(t, 10, rec.Usage.InputTokens)
}

func TestGateway_Stream_RequiresSink(t *testing.T) {
	f := newGatewayFixture(t, "http://127.0.0.1:0")

	_, err := f.gw.Stream(context.Background(), chatRequest("req-ns-1"), StreamOptions{})
	var ge *gwerrors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type)
}

func TestGateway_Stream_FailoverBeforeFirstByte(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range openaiStreamChunks {
			w.Write([]byte(chunk))
			fl.Flush()
		}
	}))
	defer good.Close()

	f := newGatewayFixture(t, bad.URL)
	f.providers.AddProvider(&store.Provider{ID: "p2", Name: "beta", Priority: 2, IsActive: true})
	f.providers.AddEndpoint(&store.Endpoint{
		ID: "e2", ProviderID: "p2",
		Family: types.FamilyOpenAI, Kind: types.KindChat,
		BaseURL: good.URL, IsActive: true,
	})
	f.providers.AddKey(&store.ProviderAPIKey{ID: "k2", ProviderID: "p2", IsActive: true})
	f.providers.AddModel(&store.Model{
		ID: "m2", ProviderID: "p2", GlobalModelID: "gm1",
		ProviderModelName: "model-x-beta", IsActive: true,
	})

	var sink collectSink
	res, err := f.gw.Stream(context.Background(), chatRequest("req-sfo-1"), StreamOptions{Sink: &sink})
	require.NoError(t, err)

	// Nothing from the failed first candidate reached the client wire.
	assert.Equal(t, "beta", res.Provider)
	assert.True(t, res.Completed)
	assert.NotContains(t, sink.buf.String(), "overloaded")
}

func TestGateway_Stream_EmbeddedRateLimitFailsOver(t *testing.T) {
	// A 429 hiding behind a 200 SSE head must act like a plain 429: the
	// candidate fails as rate-limited and the next one serves the stream.
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"error\":{\"code\":429,\"status\":\"RESOURCE_EXHAUSTED\",\"message\":\"quota exhausted\"}}\n\n"))
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range openaiStreamChunks {
			w.Write([]byte(chunk))
			fl.Flush()
		}
	}))
	defer good.Close()

	f := newGatewayFixture(t, bad.URL)
	f.providers.AddProvider(&store.Provider{ID: "p2", Name: "beta", Priority: 2, IsActive: true})
	f.providers.AddEndpoint(&store.Endpoint{
		ID: "e2", ProviderID: "p2",
		Family: types.FamilyOpenAI, Kind: types.KindChat,
		BaseURL: good.URL, IsActive: true,
	})
	f.providers.AddKey(&store.ProviderAPIKey{ID: "k2", ProviderID: "p2", IsActive: true})
	f.providers.AddModel(&store.Model{
		ID: "m2", ProviderID: "p2", GlobalModelID: "gm1",
		ProviderModelName: "model-x-beta", IsActive: true,
	})

	var sink collectSink
	res, err := f.gw.Stream(context.Background(), chatRequest("req-serl-1"), StreamOptions{Sink: &sink})
	require.NoError(t, err)

	assert.Equal(t, "beta", res.Provider)
	assert.True(t, res.Completed)
	assert.NotContains(t, sink.buf.String(), "quota exhausted")

	// The first candidate failed as a rate limit, not a generic embedded
	// error, so the learner and breaker got their 429 signal.
	trail, err := f.usage.ListCandidates(context.Background(), "req-serl-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "p1", trail[0].ProviderID)
	assert.Equal(t, gwerrors.TypeRateLimit, trail[0].ErrorType)
	assert.Equal(t, http.StatusTooManyRequests, trail[0].StatusCode)
	assert.Equal(t, "p2", trail[1].ProviderID)
}

func TestGateway_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openaiSyncBody))
	}))
	defer srv.Close()
	f := newGatewayFixture(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.gw.Run(ctx) }()
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
