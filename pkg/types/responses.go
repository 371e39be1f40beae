package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// ResponsesInput represents input for the OpenAI Responses API.
// Supports a bare string or an array of input items.
type ResponsesInput struct {
	Text  *string
	Items []ResponsesItem
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (r *ResponsesInput) UnmarshalJSON(data []byte) error {
	r.Text = nil
	r.Items = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("input cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Text = &s
		return nil
	}

	var items []ResponsesItem
	if err := json.Unmarshal(data, &items); err == nil {
		r.Items = items
		return nil
	}

	return fmt.Errorf("input must be string or item array")
}

// MarshalJSON implements custom JSON marshaling.
func (r ResponsesInput) MarshalJSON() ([]byte, error) {
	if r.Text != nil {
		return json.Marshal(*r.Text)
	}
	return json.Marshal(r.Items)
}

// ResponsesItem is one input or output item: a message, a function call, a
// function call output, or a reasoning item.
type ResponsesItem struct {
	Type   string          `json:"type,omitempty"`
	ID     string          `json:"id,omitempty"`
	Role   string          `json:"role,omitempty"`
	Status string          `json:"status,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`

	// reasoning
	Summary          json.RawMessage `json:"summary,omitempty"`
	EncryptedContent string          `json:"encrypted_content,omitempty"`
}

// ResponsesContentPart is one part inside a message item's content array.
type ResponsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponsesRequest represents an OpenAI Responses API request.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           ResponsesInput  `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Reasoning       json.RawMessage `json:"reasoning,omitempty"`
	User            string          `json:"user,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var responsesRequestKnownFields = map[string]struct{}{
	"model":             {},
	"input":             {},
	"instructions":      {},
	"stream":            {},
	"max_output_tokens": {},
	"temperature":       {},
	"top_p":             {},
	"tools":             {},
	"tool_choice":       {},
	"reasoning":         {},
	"user":              {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ResponsesRequest) MarshalJSON() ([]byte, error) {
	type Alias ResponsesRequest

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
func (r *ResponsesRequest) UnmarshalJSON(data []byte) error {
	type Alias ResponsesRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ResponsesRequest(parsed)
	for key := range responsesRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// ResponsesUsage is the Responses API usage shape.
type ResponsesUsage struct {
	InputTokens         int                    `json:"input_tokens"`
	OutputTokens        int                    `json:"output_tokens"`
	TotalTokens         int                    `json:"total_tokens"`
	InputTokensDetails  *ResponsesTokenDetails `json:"input_tokens_details,omitempty"`
	OutputTokensDetails json.RawMessage        `json:"output_tokens_details,omitempty"`
}

// ResponsesTokenDetails carries cache detail inside Responses usage.
type ResponsesTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ResponsesResponse represents a Responses API response object.
type ResponsesResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status,omitempty"`
	Model     string          `json:"model"`
	Output    []ResponsesItem `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// ResponsesStreamEvent is one SSE event in a Responses stream. Events are
// type-tagged ("response.created", "response.output_text.delta",
// "response.completed", ...).
type ResponsesStreamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number,omitempty"`
	Response       *ResponsesResponse `json:"response,omitempty"`
	Item           *ResponsesItem     `json:"item,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	OutputIndex    int                `json:"output_index,omitempty"`
	ContentIndex   int                `json:"content_index,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Arguments      string             `json:"arguments,omitempty"`
	Part           json.RawMessage    `json:"part,omitempty"`
}
