// Package format provides the canonical Internal representation and the
// per-family Normalizers that translate wire formats through it. Cross-format
// translation is always Internal-mediated: the source normalizer decodes to
// Internal, the target normalizer renders from it. Streaming conversion runs
// the same way through a per-request StreamState.
package format

import (
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Capabilities describes what a normalizer's wire format can express.
type Capabilities struct {
	SupportsStream   bool
	SupportsTools    bool
	SupportsThinking bool
}

// Normalizer translates one wire format to and from the Internal
// representation.
type Normalizer interface {
	Family() types.APIFamily
	Capabilities() Capabilities

	RequestToInternal(body []byte) (*types.InternalRequest, error)
	// RequestFromInternal renders an upstream request body. variant selects
	// intra-family quirks and may be empty.
	RequestFromInternal(req *types.InternalRequest, variant string) ([]byte, error)

	ResponseToInternal(body []byte) (*types.InternalResponse, error)
	ResponseFromInternal(resp *types.InternalResponse) ([]byte, error)

	NewStreamDecoder(state *StreamState) StreamDecoder
	NewStreamEncoder(state *StreamState) StreamEncoder
}

// ForFamily returns the Normalizer for an API family, defaulting to OpenAI.
func ForFamily(family types.APIFamily) Normalizer {
	switch family {
	case types.FamilyClaude:
		return &ClaudeNormalizer{}
	case types.FamilyGemini:
		return &GeminiNormalizer{}
	default:
		return &OpenAINormalizer{}
	}
}

// Canonical tool-choice forms: "auto", "none", "required", or
// {"name": "<tool>"} to force one tool.
type forcedTool struct {
	Name string `json:"name"`
}

func canonicalToolChoiceName(raw json.RawMessage) (mode, name string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var f forcedTool
	if err := json.Unmarshal(raw, &f); err == nil && f.Name != "" {
		return "tool", f.Name
	}
	return "", ""
}

func canonicalToolChoice(mode, name string) json.RawMessage {
	if name != "" {
		raw, _ := json.Marshal(forcedTool{Name: name})
		return raw
	}
	if mode == "" {
		return nil
	}
	raw, _ := json.Marshal(mode)
	return raw
}

// Stop-reason translation tables.

var openaiFinishReasons = map[types.StopReason]string{
	types.StopEndTurn:   "stop",
	types.StopSequence:  "stop",
	types.StopMaxTokens: "length",
	types.StopToolUse:   "tool_calls",
	types.StopError:     "stop",
}

var openaiStopReasons = map[string]types.StopReason{
	"stop":           types.StopEndTurn,
	"length":         types.StopMaxTokens,
	"tool_calls":     types.StopToolUse,
	"function_call":  types.StopToolUse,
	"content_filter": types.StopEndTurn,
}

var claudeStopReasons = map[string]types.StopReason{
	"end_turn":      types.StopEndTurn,
	"max_tokens":    types.StopMaxTokens,
	"stop_sequence": types.StopSequence,
	"tool_use":      types.StopToolUse,
}

var geminiFinishReasons = map[types.StopReason]string{
	types.StopEndTurn:   "STOP",
	types.StopSequence:  "STOP",
	types.StopMaxTokens: "MAX_TOKENS",
	types.StopToolUse:   "STOP",
	types.StopError:     "OTHER",
}

var geminiStopReasons = map[string]types.StopReason{
	"STOP":       types.StopEndTurn,
	"MAX_TOKENS": types.StopMaxTokens,
	"SAFETY":     types.StopError,
	"RECITATION": types.StopError,
}

func openaiFinishReason(r types.StopReason) string {
	if v, ok := openaiFinishReasons[r]; ok {
		return v
	}
	return "stop"
}

func claudeStopReason(r types.StopReason) string {
	for wire, canonical := range claudeStopReasons {
		if canonical == r {
			return wire
		}
	}
	return "end_turn"
}

func geminiFinishReason(r types.StopReason) string {
	if v, ok := geminiFinishReasons[r]; ok {
		return v
	}
	return "STOP"
}
