package format

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

func TestCompatible(t *testing.T) {
	openaiChat := types.Sig(types.FamilyOpenAI, types.KindChat)
	claudeChat := types.Sig(types.FamilyClaude, types.KindChat)
	claudeVideo := types.Sig(types.FamilyClaude, types.KindVideo)

	t.Run("exact", func(t *testing.T) {
		got := Compatible(openaiChat, openaiChat, AcceptancePolicy{}, false, false, false)
		assert.Equal(t, CompatExact, got)
	})

	t.Run("passthrough via accept list", func(t *testing.T) {
		acc := AcceptancePolicy{Enabled: true, AcceptFormats: []string{"openai:chat"}}
		got := Compatible(openaiChat, claudeChat, acc, false, false, false)
		assert.Equal(t, CompatPassthrough, got)
	})

	t.Run("reject list wins", func(t *testing.T) {
		acc := AcceptancePolicy{Enabled: true, AcceptFormats: []string{"openai:chat"}, RejectFormats: []string{"openai:chat"}}
		got := Compatible(openaiChat, claudeChat, acc, false, true, true)
		assert.Equal(t, CompatIncompatible, got)
	})

	t.Run("convertible with global toggle", func(t *testing.T) {
		got := Compatible(openaiChat, claudeChat, AcceptancePolicy{}, false, true, true)
		assert.Equal(t, CompatConvertible, got)
	})

	t.Run("conversion disabled", func(t *testing.T) {
		got := Compatible(openaiChat, claudeChat, AcceptancePolicy{}, false, false, false)
		assert.Equal(t, CompatIncompatible, got)
	})

	t.Run("stream conversion gated by endpoint", func(t *testing.T) {
		acc := AcceptancePolicy{Enabled: true, StreamConversion: false}
		got := Compatible(openaiChat, claudeChat, acc, true, true, false)
		assert.Equal(t, CompatIncompatible, got)

		acc.StreamConversion = true
		got = Compatible(openaiChat, claudeChat, acc, true, true, false)
		assert.Equal(t, CompatConvertible, got)
	})

	t.Run("video never converts", func(t *testing.T) {
		got := Compatible(openaiChat, claudeVideo, AcceptancePolicy{}, false, true, true)
		assert.Equal(t, CompatIncompatible, got)
	})
}

func TestOpenAIRequestToClaude(t *testing.T) {
	body := []byte(`{
		"model": "gpt-x",
		"max_tokens": 512,
		"stream": true,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "checking", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "parameters": {"type": "object"}}}],
		"tool_choice": "auto"
	}`)

	internal, err := (&OpenAINormalizer{}).RequestToInternal(body)
	require.NoError(t, err)
	require.Len(t, internal.Messages, 3)
	assert.Equal(t, "be brief", blocksText(internal.System))
	assert.Equal(t, types.BlockToolUse, internal.Messages[1].Blocks[1].Type)
	assert.Equal(t, types.BlockToolResult, internal.Messages[2].Blocks[0].Type)

	rendered, err := (&ClaudeNormalizer{}).RequestFromInternal(internal, "")
	require.NoError(t, err)

	var claude types.ClaudeRequest
	require.NoError(t, json.Unmarshal(rendered, &claude))
	assert.Equal(t, "gpt-x", claude.Model)
	assert.Equal(t, 512, claude.MaxTokens)
	assert.True(t, claude.Stream)
	require.NotNil(t, claude.System.Text)
	assert.Equal(t, "be brief", *claude.System.Text)
	require.Len(t, claude.Tools, 1)
	assert.Equal(t, "lookup", claude.Tools[0].Name)
	assert.JSONEq(t, `{"type":"auto"}`, string(claude.ToolChoice))

	blocks, err := claude.Messages[1].DecodeBlocks()
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "tool_use", blocks[1].Type)
	assert.Equal(t, "call_1", blocks[1].ID)

	results, err := claude.Messages[2].DecodeBlocks()
	require.NoError(t, err)
	assert.Equal(t, "tool_result", results[0].Type)
	assert.Equal(t, "call_1", results[0].ToolUseID)
}

func TestClaudeRequestToGemini(t *testing.T) {
	body := []byte(`{
		"model": "claude-x",
		"max_tokens": 1000,
		"system": "terse",
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [{"role": "user", "content": "explain"}]
	}`)

	internal, err := (&ClaudeNormalizer{}).RequestToInternal(body)
	require.NoError(t, err)
	require.NotNil(t, internal.Thinking)
	assert.True(t, internal.Thinking.Enabled)

	rendered, err := (&GeminiNormalizer{}).RequestFromInternal(internal, "")
	require.NoError(t, err)

	var gemini types.GeminiRequest
	require.NoError(t, json.Unmarshal(rendered, &gemini))
	require.NotNil(t, gemini.SystemInstruction)
	assert.Equal(t, "terse", gemini.SystemInstruction.Parts[0].Text)
	require.NotNil(t, gemini.GenerationConfig)
	assert.Equal(t, 1000, gemini.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, gemini.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 2048, gemini.GenerationConfig.ThinkingConfig.ThinkingBudget)
	require.Len(t, gemini.Contents, 1)
	assert.Equal(t, "user", gemini.Contents[0].Role)
}

func TestClaudeResponseToOpenAI(t *testing.T) {
	body := []byte(`{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-x",
		"content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig"},
			{"type": "text", "text": "answer"},
			{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": 1}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 40, "output_tokens": 9, "cache_read_input_tokens": 12,
			"cache_creation": {"ephemeral_5m_input_tokens": 3, "ephemeral_1h_input_tokens": 0}}
	}`)

	internal, err := (&ClaudeNormalizer{}).ResponseToInternal(body)
	require.NoError(t, err)
	assert.Equal(t, types.StopToolUse, internal.StopReason)
	assert.Equal(t, 12, internal.Usage.CacheReadTokens)
	assert.Equal(t, 3, internal.Usage.CacheCreation5mTokens)

	rendered, err := (&OpenAINormalizer{}).ResponseFromInternal(internal)
	require.NoError(t, err)

	var openai types.ChatResponse
	require.NoError(t, json.Unmarshal(rendered, &openai))
	require.Len(t, openai.Choices, 1)
	assert.Equal(t, "tool_calls", openai.Choices[0].FinishReason)
	assert.Equal(t, "answer", types.MessageText(openai.Choices[0].Message))
	require.Len(t, openai.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "lookup", openai.Choices[0].Message.ToolCalls[0].Function.Name)
	require.NotNil(t, openai.Usage)
	// prompt = input + cache read + cache creation
	assert.Equal(t, 55, openai.Usage.PromptTokens)
	assert.Equal(t, 12, openai.Usage.PromptTokensDetails.CachedTokens)
}

func TestOpenAIResponseToInternal_Responses(t *testing.T) {
	body := []byte(`{
		"id": "resp_1", "object": "response", "status": "completed", "model": "gpt-x",
		"output": [
			{"type": "message", "role": "assistant",
				"content": [{"type": "output_text", "text": "done"}]}
		],
		"usage": {"input_tokens": 20, "output_tokens": 4,
			"input_tokens_details": {"cached_tokens": 8}}
	}`)

	internal, err := (&OpenAINormalizer{}).ResponseToInternal(body)
	require.NoError(t, err)
	assert.Equal(t, "done", internal.Text())
	assert.Equal(t, 12, internal.Usage.InputTokens)
	assert.Equal(t, 8, internal.Usage.CacheReadTokens)
}

func TestGeminiResponseToInternal(t *testing.T) {
	body := []byte(`{
		"responseId": "r1", "modelVersion": "gemini-x",
		"candidates": [{"content": {"role": "model", "parts": [
			{"text": "inner", "thought": true},
			{"text": "visible"}
		]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 5,
			"thoughtsTokenCount": 2, "cachedContentTokenCount": 10}
	}`)

	internal, err := (&GeminiNormalizer{}).ResponseToInternal(body)
	require.NoError(t, err)
	assert.Equal(t, "visible", internal.Text())
	require.Len(t, internal.Blocks, 2)
	assert.Equal(t, types.BlockThinking, internal.Blocks[0].Type)
	assert.Equal(t, 20, internal.Usage.InputTokens)
	assert.Equal(t, 7, internal.Usage.OutputTokens)
	assert.Equal(t, 10, internal.Usage.CacheReadTokens)
}

func TestForFamilyNormalizer(t *testing.T) {
	assert.Equal(t, types.FamilyClaude, ForFamily(types.FamilyClaude).Family())
	assert.Equal(t, types.FamilyGemini, ForFamily(types.FamilyGemini).Family())
	assert.Equal(t, types.FamilyOpenAI, ForFamily("other").Family())
}
