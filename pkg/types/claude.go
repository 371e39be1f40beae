package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// ClaudeRequest represents a Claude Messages API request.
type ClaudeRequest struct {
	Model         string               `json:"model"`
	Messages      []ClaudeMessage      `json:"messages"`
	System        ClaudeSystem         `json:"system,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Stream        bool                 `json:"stream,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int                 `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Tools         []ClaudeTool         `json:"tools,omitempty"`
	ToolChoice    json.RawMessage      `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking      `json:"thinking,omitempty"`
	Metadata      json.RawMessage      `json:"metadata,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var claudeRequestKnownFields = map[string]struct{}{
	"model":          {},
	"messages":       {},
	"system":         {},
	"max_tokens":     {},
	"stream":         {},
	"temperature":    {},
	"top_p":          {},
	"top_k":          {},
	"stop_sequences": {},
	"tools":          {},
	"tool_choice":    {},
	"thinking":       {},
	"metadata":       {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ClaudeRequest) MarshalJSON() ([]byte, error) {
	type Alias ClaudeRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ClaudeRequest) UnmarshalJSON(data []byte) error {
	type Alias ClaudeRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ClaudeRequest(parsed)
	for key := range claudeRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// ClaudeSystem accepts the system prompt as a string or a block array.
type ClaudeSystem struct {
	Text   *string
	Blocks []ClaudeContentBlock
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (s *ClaudeSystem) UnmarshalJSON(data []byte) error {
	s.Text = nil
	s.Blocks = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = &text
		return nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}

	return fmt.Errorf("system must be string or block array")
}

// MarshalJSON implements custom JSON marshaling.
func (s ClaudeSystem) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return []byte("null"), nil
}

// IsZero reports whether no system prompt was supplied. Used with omitempty
// via pointer wrapping at render time.
func (s ClaudeSystem) IsZero() bool {
	return s.Text == nil && s.Blocks == nil
}

// ClaudeMessage is one conversation turn. Content is a string or an array of
// content blocks.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// DecodeBlocks returns the message content as blocks, lifting a plain string
// into a single text block.
func (m ClaudeMessage) DecodeBlocks() ([]ClaudeContentBlock, error) {
	if len(m.Content) == 0 || bytes.Equal(m.Content, []byte("null")) {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []ClaudeContentBlock{{Type: "text", Text: text}}, nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	return blocks, nil
}

// ClaudeContentBlock is one typed content part in a Claude message.
type ClaudeContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Source       json.RawMessage `json:"source,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ClaudeTool describes a callable tool in Claude's shape.
type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ClaudeThinking is the extended-thinking request toggle.
type ClaudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ClaudeResponse represents a Claude Messages API response.
type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence string               `json:"stop_sequence,omitempty"`
	Usage        *ClaudeUsage         `json:"usage,omitempty"`
}

// ClaudeUsage is Claude's usage shape, including tiered cache-creation
// detail.
type ClaudeUsage struct {
	InputTokens              int                  `json:"input_tokens"`
	OutputTokens             int                  `json:"output_tokens"`
	CacheReadInputTokens     int                  `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int                  `json:"cache_creation_input_tokens,omitempty"`
	CacheCreation            *ClaudeCacheCreation `json:"cache_creation,omitempty"`
}

// ClaudeCacheCreation splits cache-creation tokens by TTL tier.
type ClaudeCacheCreation struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
}

// ClaudeStreamEvent is the envelope of one Claude SSE event.
type ClaudeStreamEvent struct {
	Type string `json:"type"`

	Message *ClaudeResponse `json:"message,omitempty"`

	Index        int                 `json:"index,omitempty"`
	ContentBlock *ClaudeContentBlock `json:"content_block,omitempty"`
	Delta        *ClaudeStreamDelta  `json:"delta,omitempty"`
	Usage        *ClaudeUsage        `json:"usage,omitempty"`

	Error *ClaudeStreamError `json:"error,omitempty"`
}

// ClaudeStreamDelta is the delta payload of content_block_delta and
// message_delta events.
type ClaudeStreamDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// ClaudeStreamError is the payload of an error stream event.
type ClaudeStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
