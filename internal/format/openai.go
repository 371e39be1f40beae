package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// OpenAINormalizer translates the OpenAI Chat Completions wire format (and
// the Responses variant) through the Internal representation.
type OpenAINormalizer struct{}

// Family implements Normalizer.
func (n *OpenAINormalizer) Family() types.APIFamily { return types.FamilyOpenAI }

// Capabilities implements Normalizer.
func (n *OpenAINormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true}
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// RequestToInternal implements Normalizer.
func (n *OpenAINormalizer) RequestToInternal(body []byte) (*types.InternalRequest, error) {
	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode chat request: %w", err)
	}

	out := &types.InternalRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
		Extra:       req.Extra,
	}

	mode, name := openaiToolChoice(req.ToolChoice)
	out.ToolChoice = canonicalToolChoice(mode, name)

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.InternalTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if text := types.MessageText(msg); text != "" {
				out.System = append(out.System, types.TextBlock(text))
			}
		case "tool":
			out.Messages = append(out.Messages, types.InternalMessage{
				Role: "user",
				Blocks: []types.ContentBlock{{
					Type:      types.BlockToolResult,
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case "assistant":
			blocks := openaiContentBlocks(msg.Content)
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, types.ContentBlock{
					Type:  types.BlockToolUse,
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: json.RawMessage(call.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, types.InternalMessage{Role: "assistant", Blocks: blocks})
		default:
			out.Messages = append(out.Messages, types.InternalMessage{
				Role:   "user",
				Blocks: openaiContentBlocks(msg.Content),
			})
		}
	}

	return out, nil
}

func openaiContentBlocks(content json.RawMessage) []types.ContentBlock {
	if len(content) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if text == "" {
			return nil
		}
		return []types.ContentBlock{types.TextBlock(text)}
	}

	var parts []openaiContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}

	var blocks []types.ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "", "text":
			blocks = append(blocks, types.TextBlock(p.Text))
		case "image_url":
			blocks = append(blocks, types.ContentBlock{Type: types.BlockImage, Source: p.ImageURL})
		}
	}
	return blocks
}

func openaiToolChoice(raw json.RawMessage) (mode, name string) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var forced struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &forced); err == nil && forced.Function.Name != "" {
		return "tool", forced.Function.Name
	}
	return "", ""
}

// RequestFromInternal implements Normalizer. The "responses" variant renders
// an OpenAI Responses API body instead of Chat Completions.
func (n *OpenAINormalizer) RequestFromInternal(req *types.InternalRequest, variant string) ([]byte, error) {
	if variant == "responses" {
		return n.responsesFromInternal(req)
	}

	out := types.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}

	if system := blocksText(req.System); system != "" {
		content, _ := json.Marshal(system)
		out.Messages = append(out.Messages, types.ChatMessage{Role: "system", Content: content})
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, openaiMessages(msg)...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if mode, name := canonicalToolChoiceName(req.ToolChoice); mode != "" {
		if name != "" {
			out.ToolChoice, _ = json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]string{"name": name},
			})
		} else {
			out.ToolChoice, _ = json.Marshal(mode)
		}
	}

	return json.Marshal(out)
}

// openaiMessages renders one internal turn as OpenAI messages. Tool results
// become separate role=tool messages.
func openaiMessages(msg types.InternalMessage) []types.ChatMessage {
	var out []types.ChatMessage
	var text strings.Builder
	var parts []openaiContentPart
	var toolCalls []types.ToolCall
	hasImage := false

	for _, b := range msg.Blocks {
		switch b.Type {
		case types.BlockText:
			text.WriteString(b.Text)
			parts = append(parts, openaiContentPart{Type: "text", Text: b.Text})
		case types.BlockImage:
			hasImage = true
			parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: b.Source})
		case types.BlockToolUse:
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		case types.BlockToolResult:
			out = append(out, types.ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    toolResultContent(b.Content),
			})
		}
		// Thinking blocks have no Chat Completions slot and are dropped.
	}

	if text.Len() > 0 || hasImage || len(toolCalls) > 0 {
		var content json.RawMessage
		if hasImage {
			content, _ = json.Marshal(parts)
		} else if text.Len() > 0 {
			content, _ = json.Marshal(text.String())
		}
		out = append([]types.ChatMessage{{
			Role:      msg.Role,
			Content:   content,
			ToolCalls: toolCalls,
		}}, out...)
	}

	return out
}

// toolResultContent flattens a tool result into a string, which is the only
// shape role=tool messages accept.
func toolResultContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`""`)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return raw
	}
	// Block arrays collapse to their concatenated text.
	var blocks []types.ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			b.WriteString(blk.Text)
		}
		out, _ := json.Marshal(b.String())
		return out
	}
	out, _ := json.Marshal(string(raw))
	return out
}

func blocksText(blocks []types.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == types.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (n *OpenAINormalizer) responsesFromInternal(req *types.InternalRequest) ([]byte, error) {
	out := types.ResponsesRequest{
		Model:           req.Model,
		Stream:          req.Stream,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}

	if system := blocksText(req.System); system != "" {
		out.Instructions = system
	}

	var items []types.ResponsesItem
	for _, msg := range req.Messages {
		var textParts []types.ResponsesContentPart
		partType := "input_text"
		if msg.Role == "assistant" {
			partType = "output_text"
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case types.BlockText:
				textParts = append(textParts, types.ResponsesContentPart{Type: partType, Text: b.Text})
			case types.BlockToolUse:
				items = append(items, types.ResponsesItem{
					Type:      "function_call",
					CallID:    b.ID,
					Name:      b.Name,
					Arguments: string(b.Input),
				})
			case types.BlockToolResult:
				var output string
				_ = json.Unmarshal(toolResultContent(b.Content), &output)
				items = append(items, types.ResponsesItem{
					Type:   "function_call_output",
					CallID: b.ToolUseID,
					Output: output,
				})
			}
		}
		if len(textParts) > 0 {
			content, _ := json.Marshal(textParts)
			items = append(items, types.ResponsesItem{
				Type:    "message",
				Role:    msg.Role,
				Content: content,
			})
		}
	}
	out.Input = types.ResponsesInput{Items: items}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.InputSchema,
			})
		}
		out.Tools, _ = json.Marshal(tools)
	}

	return json.Marshal(out)
}

// ResponseToInternal implements Normalizer. It accepts both Chat Completions
// and Responses bodies, distinguished by the object field.
func (n *OpenAINormalizer) ResponseToInternal(body []byte) (*types.InternalResponse, error) {
	var probe struct {
		Object string `json:"object"`
	}
	_ = json.Unmarshal(body, &probe)
	if probe.Object == "response" {
		return n.responsesToInternal(body)
	}

	var resp types.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	choice := resp.Choices[0]
	out := &types.InternalResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  "assistant",
	}
	if reason, ok := openaiStopReasons[choice.FinishReason]; ok {
		out.StopReason = reason
	} else {
		out.StopReason = types.StopEndTurn
	}

	if text := types.MessageText(choice.Message); text != "" {
		out.Blocks = append(out.Blocks, types.TextBlock(text))
	}
	for _, call := range choice.Message.ToolCalls {
		out.Blocks = append(out.Blocks, types.ContentBlock{
			Type:  types.BlockToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}

	if resp.Usage != nil {
		out.Usage = usageFromOpenAI(resp.Usage)
	}
	return out, nil
}

func usageFromOpenAI(u *types.Usage) types.TokenUsage {
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = u.PromptTokensDetails.CachedTokens
	}
	input := u.PromptTokens - cached
	if input < 0 {
		input = 0
	}
	return types.TokenUsage{
		InputTokens:     input,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: cached,
	}
}

func (n *OpenAINormalizer) responsesToInternal(body []byte) (*types.InternalResponse, error) {
	var resp types.ResponsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode responses body: %w", err)
	}

	out := &types.InternalResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Role:       "assistant",
		StopReason: types.StopEndTurn,
	}
	if resp.Status == "incomplete" {
		out.StopReason = types.StopMaxTokens
	}

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			var parts []types.ResponsesContentPart
			if err := json.Unmarshal(item.Content, &parts); err != nil {
				continue
			}
			for _, part := range parts {
				if part.Type == "output_text" {
					out.Blocks = append(out.Blocks, types.TextBlock(part.Text))
				}
			}
		case "function_call":
			out.Blocks = append(out.Blocks, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: json.RawMessage(item.Arguments),
			})
			out.StopReason = types.StopToolUse
		}
	}

	if resp.Usage != nil {
		cached := 0
		if resp.Usage.InputTokensDetails != nil {
			cached = resp.Usage.InputTokensDetails.CachedTokens
		}
		input := resp.Usage.InputTokens - cached
		if input < 0 {
			input = 0
		}
		out.Usage = types.TokenUsage{
			InputTokens:     input,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: cached,
		}
	}
	return out, nil
}

// ResponseFromInternal implements Normalizer.
func (n *OpenAINormalizer) ResponseFromInternal(resp *types.InternalResponse) ([]byte, error) {
	msg := types.ChatMessage{Role: "assistant"}
	if text := blocksText(resp.Blocks); text != "" {
		msg.Content, _ = json.Marshal(text)
	}
	for _, b := range resp.Blocks {
		if b.Type == types.BlockToolUse {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}

	out := types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []types.Choice{{
			Message:      msg,
			FinishReason: openaiFinishReason(resp.StopReason),
		}},
		Usage: openaiUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func openaiUsage(u types.TokenUsage) *types.Usage {
	prompt := u.InputTokens + u.CacheReadTokens + u.CacheCreationTotal()
	out := &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
	}
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &types.PromptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	return out
}

// NewStreamDecoder implements Normalizer.
func (n *OpenAINormalizer) NewStreamDecoder(state *StreamState) StreamDecoder {
	return &openaiStreamDecoder{state: state}
}

// NewStreamEncoder implements Normalizer.
func (n *OpenAINormalizer) NewStreamEncoder(state *StreamState) StreamEncoder {
	return &openaiStreamEncoder{state: state, toolIndex: make(map[int]int)}
}

type openaiStreamDecoder struct {
	state   *StreamState
	started bool
}

func (d *openaiStreamDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &probe)
	if strings.HasPrefix(probe.Type, "response.") {
		return d.decodeResponsesEvent(probe.Type, payload)
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}

	var events []types.StreamEvent

	if chunk.ID != "" && d.state.MessageID == "" {
		d.state.MessageID = chunk.ID
	}
	if chunk.Model != "" {
		d.state.Model = chunk.Model
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]

		if !d.started && (choice.Delta.Role != "" || choice.Delta.Content != "" || len(choice.Delta.ToolCalls) > 0) {
			d.started = true
			events = append(events, types.StreamEvent{
				Type:      types.EventMessageStart,
				MessageID: d.state.MessageID,
				Model:     d.state.Model,
				Role:      "assistant",
			})
		}

		if choice.Delta.Content != "" {
			if !d.state.OpenBlock(0, types.BlockText) {
				events = append(events, types.StreamEvent{
					Type:  types.EventBlockStart,
					Block: &types.ContentBlock{Type: types.BlockText},
				})
			}
			events = append(events, types.StreamEvent{Type: types.EventTextDelta, Delta: choice.Delta.Content})
		}

		for _, call := range choice.Delta.ToolCalls {
			idx := 1
			if call.Index != nil {
				idx = 1 + *call.Index
			}
			if call.ID != "" || call.Function.Name != "" {
				d.state.OpenBlock(idx, types.BlockToolUse)
				events = append(events, types.StreamEvent{
					Type:  types.EventBlockStart,
					Index: idx,
					Block: &types.ContentBlock{
						Type: types.BlockToolUse,
						ID:   call.ID,
						Name: call.Function.Name,
					},
				})
			}
			if call.Function.Arguments != "" {
				events = append(events, types.StreamEvent{
					Type:  types.EventToolArgsDelta,
					Index: idx,
					Delta: call.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != "" {
			for _, idx := range d.state.OpenBlocks() {
				d.state.CloseBlock(idx)
				events = append(events, types.StreamEvent{Type: types.EventBlockStop, Index: idx})
			}
			reason, ok := openaiStopReasons[choice.FinishReason]
			if !ok {
				reason = types.StopEndTurn
			}
			d.state.StopReason = reason
			events = append(events, types.StreamEvent{Type: types.EventStop, StopReason: reason})
		}
	}

	if chunk.Usage != nil {
		u := usageFromOpenAI(chunk.Usage)
		d.state.MergeUsage(&u)
		events = append(events, types.StreamEvent{Type: types.EventUsage, Usage: &u})
	}

	return events, nil
}

func (d *openaiStreamDecoder) decodeResponsesEvent(eventType string, payload []byte) ([]types.StreamEvent, error) {
	var ev types.ResponsesStreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}

	var events []types.StreamEvent
	switch eventType {
	case "response.created":
		d.started = true
		if ev.Response != nil {
			d.state.MessageID = ev.Response.ID
		}
		events = append(events, types.StreamEvent{
			Type:      types.EventMessageStart,
			MessageID: d.state.MessageID,
			Model:     d.state.Model,
			Role:      "assistant",
		})
	case "response.output_text.delta":
		if !d.state.OpenBlock(0, types.BlockText) {
			events = append(events, types.StreamEvent{
				Type:  types.EventBlockStart,
				Block: &types.ContentBlock{Type: types.BlockText},
			})
		}
		events = append(events, types.StreamEvent{Type: types.EventTextDelta, Delta: ev.Delta})
	case "response.function_call_arguments.delta":
		events = append(events, types.StreamEvent{
			Type:  types.EventToolArgsDelta,
			Index: 1 + ev.OutputIndex,
			Delta: ev.Delta,
		})
	case "response.completed", "response.incomplete", "response.failed":
		for _, idx := range d.state.OpenBlocks() {
			d.state.CloseBlock(idx)
			events = append(events, types.StreamEvent{Type: types.EventBlockStop, Index: idx})
		}
		if ev.Response != nil && ev.Response.Usage != nil {
			cached := 0
			if ev.Response.Usage.InputTokensDetails != nil {
				cached = ev.Response.Usage.InputTokensDetails.CachedTokens
			}
			input := ev.Response.Usage.InputTokens - cached
			if input < 0 {
				input = 0
			}
			u := types.TokenUsage{
				InputTokens:     input,
				OutputTokens:    ev.Response.Usage.OutputTokens,
				CacheReadTokens: cached,
			}
			d.state.MergeUsage(&u)
			events = append(events, types.StreamEvent{Type: types.EventUsage, Usage: &u})
		}
		reason := types.StopEndTurn
		if eventType == "response.incomplete" {
			reason = types.StopMaxTokens
		}
		d.state.StopReason = reason
		events = append(events,
			types.StreamEvent{Type: types.EventStop, StopReason: reason},
			types.StreamEvent{Type: types.EventDone})
	}
	return events, nil
}

type openaiStreamEncoder struct {
	state *StreamState

	// toolIndex maps canonical block index to the OpenAI tool_calls index.
	toolIndex map[int]int
	created   int64
	finished  bool
	usageSent bool
}

func (e *openaiStreamEncoder) chunk() types.StreamChunk {
	if e.created == 0 {
		e.created = time.Now().Unix()
	}
	id := e.state.MessageID
	if id == "" {
		id = "chatcmpl-converted"
	}
	return types.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.state.Model,
	}
}

func (e *openaiStreamEncoder) frame(chunk types.StreamChunk) ([][]byte, error) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	return [][]byte{sseData(raw)}, nil
}

func (e *openaiStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.MessageID != "" {
			e.state.MessageID = ev.MessageID
		}
		if ev.Model != "" {
			e.state.Model = ev.Model
		}
		if e.state.RoleSent {
			return nil, nil
		}
		e.state.RoleSent = true
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{Delta: types.StreamDelta{Role: "assistant"}}}
		return e.frame(chunk)

	case types.EventBlockStart:
		if ev.Block == nil || ev.Block.Type != types.BlockToolUse {
			return nil, nil
		}
		oi := len(e.toolIndex)
		e.toolIndex[ev.Index] = oi
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{Delta: types.StreamDelta{
			Role: e.pendingRole(),
			ToolCalls: []types.ToolCall{{
				Index: &oi,
				ID:    ev.Block.ID,
				Type:  "function",
				Function: types.ToolCallFunction{
					Name: ev.Block.Name,
				},
			}},
		}}}
		return e.frame(chunk)

	case types.EventTextDelta:
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{Delta: types.StreamDelta{
			Role:    e.pendingRole(),
			Content: ev.Delta,
		}}}
		return e.frame(chunk)

	case types.EventToolArgsDelta:
		oi, ok := e.toolIndex[ev.Index]
		if !ok {
			oi = len(e.toolIndex)
			e.toolIndex[ev.Index] = oi
		}
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{Delta: types.StreamDelta{
			ToolCalls: []types.ToolCall{{
				Index:    &oi,
				Function: types.ToolCallFunction{Arguments: ev.Delta},
			}},
		}}}
		return e.frame(chunk)

	case types.EventStop:
		e.finished = true
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{
			Delta:        types.StreamDelta{},
			FinishReason: openaiFinishReason(ev.StopReason),
		}}
		return e.frame(chunk)

	case types.EventUsage:
		e.state.MergeUsage(ev.Usage)
		return nil, nil

	case types.EventError:
		payload, err := json.Marshal(map[string]any{
			"error": map[string]any{
				"type":    ev.ErrorType,
				"message": ev.ErrorMessage,
				"code":    ev.ErrorCode,
			},
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{sseData(payload)}, nil

	default:
		// thinking deltas, block stops, pings: no Chat Completions slot
		return nil, nil
	}
}

func (e *openaiStreamEncoder) pendingRole() string {
	if e.state.RoleSent {
		return ""
	}
	e.state.RoleSent = true
	return "assistant"
}

func (e *openaiStreamEncoder) Finish() [][]byte {
	var out [][]byte

	if !e.finished {
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{{FinishReason: "stop"}}
		if raw, err := json.Marshal(chunk); err == nil {
			out = append(out, sseData(raw))
		}
	}

	if !e.usageSent && !e.state.Usage.IsZero() {
		e.usageSent = true
		chunk := e.chunk()
		chunk.Choices = []types.StreamChoice{}
		chunk.Usage = openaiUsage(e.state.Usage)
		if raw, err := json.Marshal(chunk); err == nil {
			out = append(out, sseData(raw))
		}
	}

	out = append(out, []byte("data: [DONE]\n\n"))
	return out
}
