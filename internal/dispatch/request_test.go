package dispatch

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/scheduling"
	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func testRoute(family types.APIFamily, kind types.EndpointKind, opts ...func(*scheduling.Candidate)) *scheduling.Candidate {
	c := &scheduling.Candidate{
		Provider: &store.Provider{ID: "p1", Name: "acme", ProviderType: "acme", IsActive: true},
		Endpoint: &store.Endpoint{
			ID: "e1", ProviderID: "p1", Family: family, Kind: kind,
			BaseURL: "https://upstream.example", IsActive: true,
		},
		Key:           &store.ProviderAPIKey{ID: "k1", ProviderID: "p1", APIKey: "sk-secret", IsActive: true},
		UpstreamModel: "model-x-turbo",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func decodeBuiltBody(t *testing.T, b *Built) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(b.Body, &payload))
	return payload
}

func TestBuilder_OpenAIChat(t *testing.T) {
	b := &Builder{}
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: testRoute(types.FamilyOpenAI, types.KindChat),
		ClientSig: types.Sig(types.FamilyOpenAI, types.KindChat),
		Body:      []byte(`{"model":"model-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	assert.False(t, built.Converted)

	req := built.Request
	assert.Equal(t, "https://upstream.example/v1/chat/completions", req.URL.String())
	assert.Equal(t, "Bearer sk-secret", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Empty(t, req.Header.Get("Accept"))

	payload := decodeBuiltBody(t, built)
	assert.Equal(t, "model-x-turbo", payload["model"])
	// The caller asked for a stream but this attempt is sync.
	assert.NotContains(t, payload, "stream")
}

func TestBuilder_StreamingRequest(t *testing.T) {
	b := &Builder{}
	built, err := b.Build(context.Background(), BuildInput{
		Candidate:      testRoute(types.FamilyOpenAI, types.KindChat),
		ClientSig:      types.Sig(types.FamilyOpenAI, types.KindChat),
		Body:           []byte(`{"model":"model-x","messages":[]}`),
		IsStream:       true,
		UpstreamStream: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", built.Request.Header.Get("Accept"))
	payload := decodeBuiltBody(t, built)
	assert.Equal(t, true, payload["stream"])
}

func TestBuilder_ClaudeAuthHeaders(t *testing.T) {
	b := &Builder{}
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: testRoute(types.FamilyClaude, types.KindChat),
		ClientSig: types.Sig(types.FamilyClaude, types.KindChat),
		Body:      []byte(`{"model":"claude-x","max_tokens":16,"messages":[]}`),
	})
	require.NoError(t, err)

	req := built.Request
	assert.Equal(t, "https://upstream.example/v1/messages", req.URL.String())
	assert.Equal(t, "sk-secret", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestBuilder_GeminiModelInURLAndQueryAuth(t *testing.T) {
	b := &Builder{}
	cand := testRoute(types.FamilyGemini, types.KindChat, func(c *scheduling.Candidate) {
		c.Endpoint.AuthInQuery = true
	})
	built, err := b.Build(context.Background(), BuildInput{
		Candidate:      cand,
		ClientSig:      types.Sig(types.FamilyGemini, types.KindChat),
		Body:           []byte(`{"model":"ignored","contents":[]}`),
		IsStream:       true,
		UpstreamStream: true,
	})
	require.NoError(t, err)

	u := built.Request.URL
	assert.Equal(t, "/v1beta/models/model-x-turbo:streamGenerateContent", u.Path)
	assert.Equal(t, "sse", u.Query().Get("alt"))
	assert.Equal(t, "sk-secret", u.Query().Get("key"))
	assert.Empty(t, built.Request.Header.Get("x-goog-api-key"))

	payload := decodeBuiltBody(t, built)
	assert.NotContains(t, payload, "model")
	assert.NotContains(t, payload, "stream")
}

func TestBuilder_HeaderAndBodyRules(t *testing.T) {
	b := &Builder{}
	cand := testRoute(types.FamilyOpenAI, types.KindChat, func(c *scheduling.Candidate) {
		c.Endpoint.HeaderRules = map[string]string{"X-Ratelimit-Tier": "gold"}
		c.Endpoint.BodyRules = map[string]json.RawMessage{"temperature": json.RawMessage("0.2")}
	})
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: cand,
		ClientSig: types.Sig(types.FamilyOpenAI, types.KindChat),
		Body:      []byte(`{"model":"m","temperature":1,"messages":[]}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "gold", built.Request.Header.Get("X-Ratelimit-Tier"))
	payload := decodeBuiltBody(t, built)
	assert.Equal(t, 0.2, payload["temperature"])
}

func TestBuilder_CrossFormatConversion(t *testing.T) {
	b := &Builder{}
	cand := testRoute(types.FamilyOpenAI, types.KindChat, func(c *scheduling.Candidate) {
		c.NeedsConversion = true
	})
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: cand,
		ClientSig: types.Sig(types.FamilyClaude, types.KindChat),
		Body:      []byte(`{"model":"claude-x","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	assert.True(t, built.Converted)

	payload := decodeBuiltBody(t, built)
	assert.Equal(t, "model-x-turbo", payload["model"])
	messages, ok := payload["messages"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, messages)
}

func TestBuilder_ResponsesVariantForCLI(t *testing.T) {
	b := &Builder{}
	cand := testRoute(types.FamilyOpenAI, types.KindCLI, func(c *scheduling.Candidate) {
		c.NeedsConversion = true
	})
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: cand,
		ClientSig: types.Sig(types.FamilyClaude, types.KindChat),
		Body:      []byte(`{"model":"claude-x","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/responses", built.Request.URL.Path)
	payload := decodeBuiltBody(t, built)
	assert.Contains(t, payload, "input")
	assert.NotContains(t, payload, "messages")
}

func TestBuilder_MalformedBody(t *testing.T) {
	b := &Builder{}
	_, err := b.Build(context.Background(), BuildInput{
		Candidate: testRoute(types.FamilyOpenAI, types.KindChat),
		ClientSig: types.Sig(types.FamilyOpenAI, types.KindChat),
		Body:      []byte(`not json`),
	})
	require.Error(t, err)
}

func TestBuilt_SetBody(t *testing.T) {
	b := &Builder{}
	built, err := b.Build(context.Background(), BuildInput{
		Candidate: testRoute(types.FamilyOpenAI, types.KindChat),
		ClientSig: types.Sig(types.FamilyOpenAI, types.KindChat),
		Body:      []byte(`{"model":"m","messages":[]}`),
	})
	require.NoError(t, err)

	built.SetBody([]byte(`{"wrapped":true}`))
	assert.Equal(t, int64(16), built.Request.ContentLength)
	got, err := io.ReadAll(built.Request.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"wrapped":true}`, string(got))
}

func TestResolveCredential_OAuthStaticToken(t *testing.T) {
	key := &store.ProviderAPIKey{
		ID:       "oauth-static",
		AuthType: store.AuthOAuth,
		AuthConfig: json.RawMessage(`{
			"access_token": "ya29.token",
			"expiry": "` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"
		}`),
	}
	cred, err := resolveCredential(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", cred)

	// Cached source on repeat lookup.
	cred, err = resolveCredential(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "ya29.token", cred)
}
