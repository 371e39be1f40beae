package parser

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestExtractCacheCreationTokens(t *testing.T) {
	tests := []struct {
		name   string
		usage  string
		want5m int
		want1h int
	}{
		{
			name:   "nested format",
			usage:  `{"cache_creation":{"ephemeral_5m_input_tokens":100,"ephemeral_1h_input_tokens":50}}`,
			want5m: 100,
			want1h: 50,
		},
		{
			name: "nested zero beats legacy",
			usage: `{"cache_creation":{"ephemeral_5m_input_tokens":0,"ephemeral_1h_input_tokens":0},
				"cache_creation_input_tokens":500}`,
			want5m: 0,
			want1h: 0,
		},
		{
			name:   "flat format",
			usage:  `{"claude_cache_creation_5_m_tokens":30,"claude_cache_creation_1_h_tokens":20}`,
			want5m: 30,
			want1h: 20,
		},
		{
			name:   "flat zero beats legacy",
			usage:  `{"claude_cache_creation_5_m_tokens":0,"cache_creation_input_tokens":400}`,
			want5m: 0,
			want1h: 0,
		},
		{
			name:   "legacy fallback",
			usage:  `{"cache_creation_input_tokens":250}`,
			want5m: 250,
			want1h: 0,
		},
		{
			name:   "nothing present",
			usage:  `{"input_tokens":10}`,
			want5m: 0,
			want1h: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCacheCreationTokens(decode(t, tt.usage))
			assert.Equal(t, tt.want5m, got.Ephemeral5m)
			assert.Equal(t, tt.want1h, got.Ephemeral1h)
		})
	}
}

func TestCheckEmbeddedError(t *testing.T) {
	t.Run("gemini 200 with error body", func(t *testing.T) {
		payload := decode(t, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"quota"}}`)
		ok, info := CheckEmbeddedError(payload)
		require.True(t, ok)
		assert.Equal(t, 429, info.Code)
		assert.Equal(t, "RESOURCE_EXHAUSTED", info.Status)
		assert.Equal(t, "quota", info.Message)
	})

	t.Run("claude type error envelope", func(t *testing.T) {
		payload := decode(t, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`)
		ok, info := CheckEmbeddedError(payload)
		require.True(t, ok)
		assert.Equal(t, "overloaded_error", info.Type)
		assert.Equal(t, 529, info.Code)
	})

	t.Run("chunks nested error", func(t *testing.T) {
		payload := decode(t, `{"chunks":[{"error":{"message":"boom","code":503}}]}`)
		ok, info := CheckEmbeddedError(payload)
		require.True(t, ok)
		assert.Equal(t, 503, info.Code)
	})

	t.Run("string error value", func(t *testing.T) {
		payload := decode(t, `{"error":"something broke"}`)
		ok, info := CheckEmbeddedError(payload)
		require.True(t, ok)
		assert.Equal(t, "something broke", info.Message)
		assert.Equal(t, 0, info.Code)
	})

	t.Run("clean payload", func(t *testing.T) {
		ok, _ := CheckEmbeddedError(decode(t, `{"choices":[]}`))
		assert.False(t, ok)
	})
}

func TestExtractErrorCode(t *testing.T) {
	assert.Equal(t, 429, ExtractErrorCode("", "RESOURCE_EXHAUSTED", ""))
	assert.Equal(t, 404, ExtractErrorCode("not_found_error", "", ""))
	assert.Equal(t, 500, ExtractErrorCode("", "500", ""))
	assert.Equal(t, 502, ExtractErrorCode("", "", "request failed with status code 502"))
	assert.Equal(t, 0, ExtractErrorCode("mystery", "", "no digits here"))
}

func TestOpenAIParser_Stream(t *testing.T) {
	p := &OpenAIParser{}
	stats := &Stats{}

	chunk := p.ParseChunk(decode(t, `{"choices":[{"index":0,"delta":{"content":"hel"}}]}`), stats)
	require.NotNil(t, chunk)
	assert.Equal(t, "hel", chunk.TextDelta)

	chunk = p.ParseChunk(decode(t, `{"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`), stats)
	assert.True(t, chunk.Done)

	// Usage-only tail chunk with empty choices.
	chunk = p.ParseChunk(decode(t, `{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"prompt_tokens_details":{"cached_tokens":8}}}`), stats)
	require.NotNil(t, chunk.Usage)

	assert.Equal(t, "hello", stats.CollectedText())
	assert.True(t, stats.HasCompletion)
	assert.Equal(t, types.TokenUsage{InputTokens: 12, OutputTokens: 3, CacheReadTokens: 8}, stats.Usage)
}

func TestOpenAIParser_ResponsesEvents(t *testing.T) {
	p := &OpenAIParser{}
	stats := &Stats{}

	chunk := p.ParseChunk(decode(t, `{"type":"response.output_text.delta","delta":"hi"}`), stats)
	assert.Equal(t, "hi", chunk.TextDelta)

	chunk = p.ParseChunk(decode(t, `{"type":"response.completed","response":{"usage":{"input_tokens":9,"output_tokens":4,"input_tokens_details":{"cached_tokens":2}}}}`), stats)
	assert.True(t, chunk.Done)

	assert.Equal(t, 9, stats.Usage.InputTokens)
	assert.Equal(t, 2, stats.Usage.CacheReadTokens)
}

func TestClaudeParser_Stream(t *testing.T) {
	p := &ClaudeParser{}
	stats := &Stats{}

	p.ParseChunk(decode(t, `{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":20,"output_tokens":1,"cache_read_input_tokens":5,"cache_creation":{"ephemeral_5m_input_tokens":7,"ephemeral_1h_input_tokens":0}}}}`), stats)
	p.ParseChunk(decode(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hey"}}`), stats)
	p.ParseChunk(decode(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}`), stats)
	chunk := p.ParseChunk(decode(t, `{"type":"message_stop"}`), stats)

	assert.True(t, chunk.Done)
	assert.Equal(t, "hey", stats.CollectedText())
	assert.Equal(t, 20, stats.Usage.InputTokens)
	assert.Equal(t, 6, stats.Usage.OutputTokens)
	assert.Equal(t, 5, stats.Usage.CacheReadTokens)
	assert.Equal(t, 7, stats.Usage.CacheCreation5mTokens)
}

func TestClaudeParser_Response(t *testing.T) {
	p := &ClaudeParser{}
	resp := p.ParseResponse(decode(t, `{
		"id": "msg_2",
		"content": [{"type":"thinking","thinking":"..."},{"type":"text","text":"a"},{"type":"text","text":"b"}],
		"usage": {"input_tokens":10,"output_tokens":2,"cache_creation_input_tokens":30}
	}`), 200)

	assert.Equal(t, "ab", resp.Text)
	assert.Equal(t, 30, resp.Usage.CacheCreation5mTokens)
	assert.Nil(t, resp.Err)
}

func TestGeminiParser(t *testing.T) {
	p := &GeminiParser{}
	stats := &Stats{}

	chunk := p.ParseChunk(decode(t, `{
		"candidates":[{"content":{"parts":[{"text":"inner","thought":true},{"text":"out"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":15,"candidatesTokenCount":4,"thoughtsTokenCount":2,"cachedContentTokenCount":6}
	}`), stats)

	assert.Equal(t, "out", chunk.TextDelta)
	assert.True(t, chunk.Done)
	assert.Equal(t, 15, stats.Usage.InputTokens)
	assert.Equal(t, 6, stats.Usage.OutputTokens)
	assert.Equal(t, 6, stats.Usage.CacheReadTokens)

	resp := p.ParseResponse(decode(t, `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"slow down"}}`), 200)
	require.NotNil(t, resp.Err)
	assert.Equal(t, 429, resp.Err.Code)
}

func TestForFamily(t *testing.T) {
	assert.Equal(t, types.FamilyClaude, ForFamily(types.FamilyClaude).Name())
	assert.Equal(t, types.FamilyGemini, ForFamily(types.FamilyGemini).Name())
	assert.Equal(t, types.FamilyOpenAI, ForFamily(types.FamilyOpenAI).Name())
	assert.Equal(t, types.FamilyOpenAI, ForFamily("unknown").Name())
}
