package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// TokenUsage carries the token counts of one request or one stream.
// Cache-creation tokens are split by TTL tier because they are priced
// differently.
type TokenUsage struct {
	InputTokens           int `json:"input_tokens"`
	OutputTokens          int `json:"output_tokens"`
	CacheReadTokens       int `json:"cache_read_tokens,omitempty"`
	CacheCreation5mTokens int `json:"cache_creation_5m_tokens,omitempty"`
	CacheCreation1hTokens int `json:"cache_creation_1h_tokens,omitempty"`
}

// MergeMax folds another usage observation in, taking the per-field maximum.
// Providers report totals in different stream events, so each field is
// monotone across chunks and max-aggregation is the safe combiner.
func (u *TokenUsage) MergeMax(other TokenUsage) {
	if other.InputTokens > u.InputTokens {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > u.OutputTokens {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheReadTokens > u.CacheReadTokens {
		u.CacheReadTokens = other.CacheReadTokens
	}
	if other.CacheCreation5mTokens > u.CacheCreation5mTokens {
		u.CacheCreation5mTokens = other.CacheCreation5mTokens
	}
	if other.CacheCreation1hTokens > u.CacheCreation1hTokens {
		u.CacheCreation1hTokens = other.CacheCreation1hTokens
	}
}

// CacheCreationTotal returns the combined cache-creation token count.
func (u TokenUsage) CacheCreationTotal() int {
	return u.CacheCreation5mTokens + u.CacheCreation1hTokens
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// IsZero reports whether no token was counted.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// StopReason is the canonical completion reason, independent of wire format.
type StopReason string

// Canonical stop reasons.
const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopToolUse   StopReason = "tool_use"
	StopError     StopReason = "error"
)

// BlockType tags a content block.
type BlockType string

// Content block types.
const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
	BlockImage            BlockType = "image"
)

// ContentBlock is the tagged union of message content parts. Only the fields
// relevant to the block's Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text, thinking, redacted_thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// InternalMessage is one conversation turn in the canonical representation.
type InternalMessage struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"blocks"`
}

// Text returns the concatenated text of all text blocks in the message.
func (m InternalMessage) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// InternalTool is a callable tool definition in canonical form.
type InternalTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ThinkingConfig is the canonical extended-thinking switch.
type ThinkingConfig struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budget_tokens,omitempty"`
}

// InternalRequest is the wire-format-independent representation every
// inbound request is normalized into and every upstream request is rendered
// from. Cross-format translation is always mediated by this type.
type InternalRequest struct {
	Model       string            `json:"model"`
	System      []ContentBlock    `json:"system,omitempty"`
	Messages    []InternalMessage `json:"messages"`
	Tools       []InternalTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage   `json:"tool_choice,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Thinking    *ThinkingConfig   `json:"thinking,omitempty"`

	// Extra holds source-format fields with no canonical slot. Normalizers
	// for the same family replay them; cross-family rendering drops them.
	Extra map[string]json.RawMessage `json:"-"`
}

// InternalResponse is the canonical non-streaming response.
type InternalResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Blocks     []ContentBlock `json:"blocks"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Usage      TokenUsage     `json:"usage"`
}

// Text returns the concatenated text of all text blocks.
func (r *InternalResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// EventType tags a canonical stream event.
type EventType string

// Canonical stream event types. A source-format chunk decodes into zero or
// more of these; a target-format encoder renders each into zero or more wire
// chunks.
const (
	EventMessageStart  EventType = "message_start"
	EventBlockStart    EventType = "block_start"
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolArgsDelta EventType = "tool_args_delta"
	EventBlockStop     EventType = "block_stop"
	EventUsage         EventType = "usage"
	EventStop          EventType = "stop"
	EventDone          EventType = "done"
	EventError         EventType = "error"
	EventPing          EventType = "ping"
)

// StreamEvent is one canonical streaming event.
type StreamEvent struct {
	Type  EventType `json:"type"`
	Index int       `json:"index,omitempty"`

	// block_start carries the opening block shell.
	Block *ContentBlock `json:"block,omitempty"`

	// Delta carries text, thinking, or tool-argument fragments.
	Delta string `json:"delta,omitempty"`

	// message_start and stop metadata.
	MessageID  string     `json:"message_id,omitempty"`
	Model      string     `json:"model,omitempty"`
	Role       string     `json:"role,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`

	// usage events carry a partial observation, max-merged by the consumer.
	Usage *TokenUsage `json:"usage,omitempty"`

	// error events.
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    int    `json:"error_code,omitempty"`
}
