// Package parser extracts text deltas, token usage, and embedded errors from
// decoded upstream JSON payloads, per wire-format family. It is the single
// source of truth for usage accounting on both streaming and sync paths.
package parser

import (
	"strings"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// ErrorInfo describes an error payload found inside an upstream response.
type ErrorInfo struct {
	Type    string
	Status  string
	Message string
	// Code is the embedded HTTP-style status code, 0 when none could be
	// extracted.
	Code int
}

// Chunk is the result of parsing one stream data payload.
type Chunk struct {
	EventType string
	TextDelta string
	Usage     *types.TokenUsage
	Done      bool
	Err       *ErrorInfo
}

// Response is the result of parsing a non-streaming response body.
type Response struct {
	StatusCode int
	ID         string
	Text       string
	Usage      types.TokenUsage
	Err        *ErrorInfo
}

// Stats accumulates per-stream observations across chunks. Usage fields are
// max-merged because providers repeat totals in different events.
type Stats struct {
	ChunkCount    int
	DataCount     int
	HasCompletion bool
	Usage         types.TokenUsage

	collected strings.Builder
}

// AddText appends a text delta to the collected transcript.
func (s *Stats) AddText(delta string) {
	s.collected.WriteString(delta)
}

// CollectedText returns the transcript accumulated so far.
func (s *Stats) CollectedText() string {
	return s.collected.String()
}

// Parser extracts per-format semantics from decoded JSON payloads.
type Parser interface {
	// Name is the format family the parser handles.
	Name() types.APIFamily

	// ParseChunk consumes one decoded stream payload (the JSON after the
	// SSE "data:" prefix) and updates stats. A nil Chunk means the payload
	// carried nothing of interest.
	ParseChunk(payload map[string]any, stats *Stats) *Chunk

	// ParseResponse consumes a decoded non-streaming response body.
	ParseResponse(payload map[string]any, statusCode int) *Response

	// IsErrorPayload reports whether a decoded body is an error response,
	// including errors embedded under HTTP 200.
	IsErrorPayload(payload map[string]any) bool
}

// ForFamily returns the parser for a wire-format family. Unknown families
// fall back to the OpenAI parser, which is the most widely imitated shape.
func ForFamily(family types.APIFamily) Parser {
	switch family {
	case types.FamilyClaude:
		return &ClaudeParser{}
	case types.FamilyGemini:
		return &GeminiParser{}
	default:
		return &OpenAIParser{}
	}
}

// jsonString reads a string field from a decoded map.
func jsonString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// jsonInt reads a numeric field from a decoded map. JSON numbers decode to
// float64; some decoders produce json.Number-compatible ints as well.
func jsonInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// jsonMap reads a nested object field from a decoded map.
func jsonMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// jsonSlice reads an array field from a decoded map.
func jsonSlice(m map[string]any, key string) []any {
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}
