package format

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// dataPayloads extracts the data payloads of SSE frames, skipping [DONE].
func dataPayloads(t *testing.T, frames [][]byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, frame := range frames {
		for _, line := range bytes.Split(frame, []byte("\n")) {
			payload, ok := bytes.CutPrefix(line, []byte("data: "))
			if !ok || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			out = append(out, payload)
		}
	}
	return out
}

func TestStreamConvert_ClaudeToOpenAI(t *testing.T) {
	conv := NewStreamConverter(&ClaudeNormalizer{}, &OpenAINormalizer{}, "claude-x")

	source := []string{
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-x","usage":{"input_tokens":20,"output_tokens":1,"cache_read_input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}`,
		`{"type":"message_stop"}`,
	}

	var frames [][]byte
	for _, line := range source {
		out, err := conv.Convert([]byte(line))
		require.NoError(t, err)
		frames = append(frames, out...)
	}
	frames = append(frames, conv.Finish()...)

	// Stream must terminate with [DONE].
	assert.True(t, bytes.Contains(frames[len(frames)-1], []byte("data: [DONE]")))

	var text strings.Builder
	var sawRole, sawFinish bool
	var usage *types.Usage
	for _, payload := range dataPayloads(t, frames) {
		var chunk types.StreamChunk
		require.NoError(t, json.Unmarshal(payload, &chunk))
		assert.Equal(t, "msg_1", chunk.ID)
		if len(chunk.Choices) > 0 {
			if chunk.Choices[0].Delta.Role == "assistant" {
				sawRole = true
			}
			text.WriteString(chunk.Choices[0].Delta.Content)
			if chunk.Choices[0].FinishReason == "stop" {
				sawFinish = true
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.True(t, sawRole)
	assert.True(t, sawFinish)
	assert.Equal(t, "Hello", text.String())
	require.NotNil(t, usage)
	assert.Equal(t, 25, usage.PromptTokens)
	assert.Equal(t, 6, usage.CompletionTokens)
	require.NotNil(t, usage.PromptTokensDetails)
	assert.Equal(t, 5, usage.PromptTokensDetails.CachedTokens)

	// Converter state aggregates usage max-across-chunks.
	assert.Equal(t, types.TokenUsage{InputTokens: 20, OutputTokens: 6, CacheReadTokens: 5}, conv.State().Usage)
}

func TestStreamConvert_OpenAIToClaude(t *testing.T) {
	conv := NewStreamConverter(&OpenAINormalizer{}, &ClaudeNormalizer{}, "gpt-x")

	source := []string{
		`{"id":"chatcmpl-1","model":"gpt-x","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
	}

	var frames [][]byte
	for _, line := range source {
		out, err := conv.Convert([]byte(line))
		require.NoError(t, err)
		frames = append(frames, out...)
	}
	frames = append(frames, conv.Finish()...)

	var eventNames []string
	var text strings.Builder
	var stopReason string
	var finalUsage *types.ClaudeUsage
	for _, payload := range dataPayloads(t, frames) {
		var ev types.ClaudeStreamEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		eventNames = append(eventNames, ev.Type)
		if ev.Type == "content_block_delta" && ev.Delta != nil {
			text.WriteString(ev.Delta.Text)
		}
		if ev.Type == "message_delta" {
			if ev.Delta != nil {
				stopReason = ev.Delta.StopReason
			}
			finalUsage = ev.Usage
		}
	}

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames)
	assert.Equal(t, "Hi there", text.String())
	assert.Equal(t, "end_turn", stopReason)
	require.NotNil(t, finalUsage)
	assert.Equal(t, 12, finalUsage.InputTokens)
	assert.Equal(t, 3, finalUsage.OutputTokens)
}

func TestStreamConvert_GeminiToOpenAI_ToolCall(t *testing.T) {
	conv := NewStreamConverter(&GeminiNormalizer{}, &OpenAINormalizer{}, "gemini-x")

	source := []string{
		`{"responseId":"r1","modelVersion":"gemini-x","candidates":[{"content":{"role":"model","parts":[{"text":"let me check","thought":true}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"lookup","args":{"q":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4}}`,
	}

	var frames [][]byte
	for _, line := range source {
		out, err := conv.Convert([]byte(line))
		require.NoError(t, err)
		frames = append(frames, out...)
	}
	frames = append(frames, conv.Finish()...)

	var toolName, toolArgs string
	for _, payload := range dataPayloads(t, frames) {
		var chunk types.StreamChunk
		require.NoError(t, json.Unmarshal(payload, &chunk))
		if len(chunk.Choices) == 0 {
			continue
		}
		for _, call := range chunk.Choices[0].Delta.ToolCalls {
			if call.Function.Name != "" {
				toolName = call.Function.Name
			}
			toolArgs += call.Function.Arguments
		}
	}

	assert.Equal(t, "lookup", toolName)
	assert.JSONEq(t, `{"q":1}`, toolArgs)
}

func TestStreamConvert_ResetClearsState(t *testing.T) {
	conv := NewStreamConverter(&ClaudeNormalizer{}, &OpenAINormalizer{}, "claude-x")

	_, err := conv.Convert([]byte(`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":1}}}`))
	require.NoError(t, err)
	_, err = conv.Convert([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`))
	require.NoError(t, err)
	require.False(t, conv.State().Usage.IsZero())

	conv.Reset()
	assert.True(t, conv.State().Usage.IsZero())
	assert.Empty(t, conv.State().MessageID)
	assert.Equal(t, "claude-x", conv.State().Model)
	assert.False(t, conv.State().RoleSent)

	// A fresh attempt announces the role again.
	frames, err := conv.Convert([]byte(`{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-x"}}`))
	require.NoError(t, err)
	payloads := dataPayloads(t, frames)
	require.Len(t, payloads, 1)
	var chunk types.StreamChunk
	require.NoError(t, json.Unmarshal(payloads[0], &chunk))
	assert.Equal(t, "msg_2", chunk.ID)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
}

func TestStreamConvert_MalformedChunkIsConversionError(t *testing.T) {
	conv := NewStreamConverter(&ClaudeNormalizer{}, &OpenAINormalizer{}, "claude-x")
	_, err := conv.Convert([]byte(`{"type":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}
