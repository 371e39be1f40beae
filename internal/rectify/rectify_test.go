package rectify

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func blocks(t *testing.T, req map[string]any, msgIdx int) []any {
	t.Helper()
	messages := req["messages"].([]any)
	content, ok := messages[msgIdx].(map[string]any)["content"].([]any)
	require.True(t, ok)
	return content
}

func TestRectify_StripsThinkingAndSignatures(t *testing.T) {
	body := []byte(`{
		"model": "claude-x",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "hmm", "signature": "sig1"},
				{"type": "redacted_thinking", "data": "opaque"},
				{"type": "text", "text": "answer", "signature": "sig2"}
			]}
		]
	}`)

	out, modified, err := Rectify(body)
	require.NoError(t, err)
	assert.True(t, modified)

	req := decodeBody(t, out)
	content := blocks(t, req, 1)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "answer", text["text"])
	assert.NotContains(t, text, "signature")
}

func TestRectify_RemovesTopLevelThinkingForTrailingToolUse(t *testing.T) {
	body := []byte(`{
		"model": "claude-x",
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "plan", "signature": "sig"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": 1}}
			]}
		]
	}`)

	out, modified, err := Rectify(body)
	require.NoError(t, err)
	assert.True(t, modified)

	req := decodeBody(t, out)
	assert.NotContains(t, req, "thinking")

	// The tool_use block itself survives stage 1.
	content := blocks(t, req, 1)
	require.Len(t, content, 1)
	assert.Equal(t, "tool_use", content[0].(map[string]any)["type"])
}

func TestRectify_KeepsThinkingWithoutToolUse(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "plan", "signature": "sig"},
				{"type": "text", "text": "done"}
			]}
		]
	}`)

	out, modified, err := Rectify(body)
	require.NoError(t, err)
	assert.True(t, modified)

	req := decodeBody(t, out)
	assert.Contains(t, req, "thinking")
}

func TestRectify_NoChangeReturnsOriginal(t *testing.T) {
	body := []byte(`{"model":"claude-x","messages":[{"role":"user","content":"hi"}]}`)

	out, modified, err := Rectify(body)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, body, out)
}

func TestRectify_MalformedBody(t *testing.T) {
	_, _, err := Rectify([]byte(`{"messages":`))
	require.Error(t, err)
}

func TestRectifyAggressive_DegradesToolBlocks(t *testing.T) {
	body := []byte(`{
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "plan", "signature": "sig"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "42"}
			]}
		]
	}`)

	out, modified, err := RectifyAggressive(body)
	require.NoError(t, err)
	assert.True(t, modified)

	req := decodeBody(t, out)
	assert.NotContains(t, req, "thinking")

	assistant := blocks(t, req, 0)
	require.Len(t, assistant, 1)
	degraded := assistant[0].(map[string]any)
	assert.Equal(t, "text", degraded["type"])
	assert.Contains(t, degraded["text"], "[tool_use] name=lookup")
	assert.Contains(t, degraded["text"], `"q":1`)

	user := blocks(t, req, 1)
	require.Len(t, user, 1)
	result := user[0].(map[string]any)
	assert.Equal(t, "text", result["type"])
	assert.Contains(t, result["text"], "[tool_result]")
	assert.Contains(t, result["text"], "42")
}

func TestRectifyAggressive_StringContentUntouched(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"plain"}]}`)

	out, modified, err := RectifyAggressive(body)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, body, out)
}
