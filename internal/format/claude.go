package format

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// ClaudeNormalizer translates the Claude Messages wire format through the
// Internal representation. The Internal block model is closest to Claude's,
// so most mappings are one-to-one.
type ClaudeNormalizer struct{}

// Family implements Normalizer.
func (n *ClaudeNormalizer) Family() types.APIFamily { return types.FamilyClaude }

// Capabilities implements Normalizer.
func (n *ClaudeNormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true, SupportsThinking: true}
}

// RequestToInternal implements Normalizer.
func (n *ClaudeNormalizer) RequestToInternal(body []byte) (*types.InternalRequest, error) {
	var req types.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode claude request: %w", err)
	}

	out := &types.InternalRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		Extra:       req.Extra,
	}

	if req.System.Text != nil {
		out.System = []types.ContentBlock{types.TextBlock(*req.System.Text)}
	}
	for _, b := range req.System.Blocks {
		out.System = append(out.System, blockFromClaude(b))
	}

	for _, msg := range req.Messages {
		blocks, err := msg.DecodeBlocks()
		if err != nil {
			return nil, err
		}
		im := types.InternalMessage{Role: msg.Role}
		for _, b := range blocks {
			im.Blocks = append(im.Blocks, blockFromClaude(b))
		}
		out.Messages = append(out.Messages, im)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.InternalTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	out.ToolChoice = claudeToolChoiceToCanonical(req.ToolChoice)

	if req.Thinking != nil {
		out.Thinking = &types.ThinkingConfig{
			Enabled:      req.Thinking.Type == "enabled",
			BudgetTokens: req.Thinking.BudgetTokens,
		}
	}

	return out, nil
}

// blockFromClaude maps one Claude content block to canonical form. Redacted
// thinking carries its opaque data in the Text slot.
func blockFromClaude(b types.ClaudeContentBlock) types.ContentBlock {
	switch b.Type {
	case "thinking":
		return types.ContentBlock{Type: types.BlockThinking, Thinking: b.Thinking, Signature: b.Signature}
	case "redacted_thinking":
		return types.ContentBlock{Type: types.BlockRedactedThinking, Text: b.Data}
	case "tool_use":
		return types.ContentBlock{Type: types.BlockToolUse, ID: b.ID, Name: b.Name, Input: b.Input}
	case "tool_result":
		return types.ContentBlock{Type: types.BlockToolResult, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	case "image":
		return types.ContentBlock{Type: types.BlockImage, Source: b.Source}
	default:
		return types.ContentBlock{Type: types.BlockText, Text: b.Text, Signature: b.Signature}
	}
}

func blockToClaude(b types.ContentBlock) types.ClaudeContentBlock {
	switch b.Type {
	case types.BlockThinking:
		return types.ClaudeContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}
	case types.BlockRedactedThinking:
		return types.ClaudeContentBlock{Type: "redacted_thinking", Data: b.Text}
	case types.BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return types.ClaudeContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input}
	case types.BlockToolResult:
		return types.ClaudeContentBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	case types.BlockImage:
		return types.ClaudeContentBlock{Type: "image", Source: b.Source}
	default:
		return types.ClaudeContentBlock{Type: "text", Text: b.Text}
	}
}

func claudeToolChoiceToCanonical(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return canonicalToolChoice("auto", "")
	case "any":
		return canonicalToolChoice("required", "")
	case "none":
		return canonicalToolChoice("none", "")
	case "tool":
		return canonicalToolChoice("tool", tc.Name)
	}
	return nil
}

// RequestFromInternal implements Normalizer.
func (n *ClaudeNormalizer) RequestFromInternal(req *types.InternalRequest, _ string) ([]byte, error) {
	out := types.ClaudeRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	// Claude requires max_tokens; pick a generous floor when the source
	// format omitted it.
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	if system := blocksText(req.System); system != "" {
		out.System = types.ClaudeSystem{Text: &system}
	}

	for _, msg := range req.Messages {
		blocks := make([]types.ClaudeContentBlock, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			blocks = append(blocks, blockToClaude(b))
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, types.ClaudeMessage{Role: msg.Role, Content: content})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, types.ClaudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	if mode, name := canonicalToolChoiceName(req.ToolChoice); mode != "" {
		var tc map[string]string
		switch {
		case name != "":
			tc = map[string]string{"type": "tool", "name": name}
		case mode == "required":
			tc = map[string]string{"type": "any"}
		case mode == "none":
			tc = map[string]string{"type": "none"}
		default:
			tc = map[string]string{"type": "auto"}
		}
		out.ToolChoice, _ = json.Marshal(tc)
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		out.Thinking = &types.ClaudeThinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
	}

	return json.Marshal(out)
}

// ResponseToInternal implements Normalizer.
func (n *ClaudeNormalizer) ResponseToInternal(body []byte) (*types.InternalResponse, error) {
	var resp types.ClaudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode claude response: %w", err)
	}

	out := &types.InternalResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  resp.Role,
	}
	if reason, ok := claudeStopReasons[resp.StopReason]; ok {
		out.StopReason = reason
	}
	for _, b := range resp.Content {
		out.Blocks = append(out.Blocks, blockFromClaude(b))
	}
	if resp.Usage != nil {
		out.Usage = usageFromClaude(resp.Usage)
	}
	return out, nil
}

func usageFromClaude(u *types.ClaudeUsage) types.TokenUsage {
	out := types.TokenUsage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CacheReadTokens: u.CacheReadInputTokens,
	}
	if u.CacheCreation != nil {
		out.CacheCreation5mTokens = u.CacheCreation.Ephemeral5mInputTokens
		out.CacheCreation1hTokens = u.CacheCreation.Ephemeral1hInputTokens
	} else if u.CacheCreationInputTokens > 0 {
		out.CacheCreation5mTokens = u.CacheCreationInputTokens
	}
	return out
}

func claudeUsage(u types.TokenUsage) *types.ClaudeUsage {
	out := &types.ClaudeUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheCreationTotal(),
	}
	if u.CacheCreation5mTokens > 0 || u.CacheCreation1hTokens > 0 {
		out.CacheCreation = &types.ClaudeCacheCreation{
			Ephemeral5mInputTokens: u.CacheCreation5mTokens,
			Ephemeral1hInputTokens: u.CacheCreation1hTokens,
		}
	}
	return out
}

// ResponseFromInternal implements Normalizer.
func (n *ClaudeNormalizer) ResponseFromInternal(resp *types.InternalResponse) ([]byte, error) {
	out := types.ClaudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: claudeStopReason(resp.StopReason),
		Usage:      claudeUsage(resp.Usage),
	}
	if out.ID == "" {
		out.ID = "msg_converted"
	}
	for _, b := range resp.Blocks {
		if b.Type == types.BlockImage || b.Type == types.BlockToolResult {
			continue
		}
		out.Content = append(out.Content, blockToClaude(b))
	}
	return json.Marshal(out)
}

// NewStreamDecoder implements Normalizer.
func (n *ClaudeNormalizer) NewStreamDecoder(state *StreamState) StreamDecoder {
	return &claudeStreamDecoder{state: state}
}

// NewStreamEncoder implements Normalizer.
func (n *ClaudeNormalizer) NewStreamEncoder(state *StreamState) StreamEncoder {
	return &claudeStreamEncoder{state: state, open: make(map[int]types.BlockType)}
}

type claudeStreamDecoder struct {
	state *StreamState
}

func (d *claudeStreamDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var ev types.ClaudeStreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "message_start":
		out := types.StreamEvent{Type: types.EventMessageStart, Role: "assistant"}
		if ev.Message != nil {
			d.state.MessageID = ev.Message.ID
			if ev.Message.Model != "" {
				d.state.Model = ev.Message.Model
			}
			out.MessageID = ev.Message.ID
			out.Model = ev.Message.Model
			if ev.Message.Usage != nil {
				u := usageFromClaude(ev.Message.Usage)
				d.state.MergeUsage(&u)
				out.Usage = &u
			}
		}
		return []types.StreamEvent{out}, nil

	case "content_block_start":
		var block types.ContentBlock
		if ev.ContentBlock != nil {
			block = blockFromClaude(*ev.ContentBlock)
		}
		d.state.OpenBlock(ev.Index, block.Type)
		return []types.StreamEvent{{Type: types.EventBlockStart, Index: ev.Index, Block: &block}}, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []types.StreamEvent{{Type: types.EventTextDelta, Index: ev.Index, Delta: ev.Delta.Text}}, nil
		case "thinking_delta":
			return []types.StreamEvent{{Type: types.EventThinkingDelta, Index: ev.Index, Delta: ev.Delta.Thinking}}, nil
		case "signature_delta":
			// Signature rides a thinking-delta event in the Block slot so
			// same-family encoders can replay it and others drop it.
			return []types.StreamEvent{{
				Type:  types.EventThinkingDelta,
				Index: ev.Index,
				Block: &types.ContentBlock{Type: types.BlockThinking, Signature: ev.Delta.Signature},
			}}, nil
		case "input_json_delta":
			return []types.StreamEvent{{Type: types.EventToolArgsDelta, Index: ev.Index, Delta: ev.Delta.PartialJSON}}, nil
		}
		return nil, nil

	case "content_block_stop":
		d.state.CloseBlock(ev.Index)
		return []types.StreamEvent{{Type: types.EventBlockStop, Index: ev.Index}}, nil

	case "message_delta":
		var events []types.StreamEvent
		if ev.Usage != nil {
			u := usageFromClaude(ev.Usage)
			d.state.MergeUsage(&u)
			events = append(events, types.StreamEvent{Type: types.EventUsage, Usage: &u})
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			reason, ok := claudeStopReasons[ev.Delta.StopReason]
			if !ok {
				reason = types.StopEndTurn
			}
			d.state.StopReason = reason
			events = append(events, types.StreamEvent{Type: types.EventStop, StopReason: reason})
		}
		return events, nil

	case "message_stop":
		return []types.StreamEvent{{Type: types.EventDone}}, nil

	case "ping":
		return []types.StreamEvent{{Type: types.EventPing}}, nil

	case "error":
		out := types.StreamEvent{Type: types.EventError}
		if ev.Error != nil {
			out.ErrorType = ev.Error.Type
			out.ErrorMessage = ev.Error.Message
		}
		return []types.StreamEvent{out}, nil
	}

	return nil, nil
}

// claudeStreamEncoder tracks its own emitted blocks separately from the
// decoder-side ledger in StreamState: the source may announce and close
// blocks in a different shape than the target stream emits them.
type claudeStreamEncoder struct {
	state    *StreamState
	open     map[int]types.BlockType
	started  bool
	finished bool
}

func (e *claudeStreamEncoder) event(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sseEvent(name, raw), nil
}

func (e *claudeStreamEncoder) start() ([][]byte, error) {
	if e.started {
		return nil, nil
	}
	e.started = true
	id := e.state.MessageID
	if id == "" {
		id = "msg_converted"
	}
	frame, err := e.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   e.state.Model,
			"content": []any{},
			"usage":   claudeUsage(e.state.Usage),
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (e *claudeStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.MessageID != "" {
			e.state.MessageID = ev.MessageID
		}
		if ev.Model != "" {
			e.state.Model = ev.Model
		}
		return e.start()

	case types.EventBlockStart:
		out, err := e.start()
		if err != nil {
			return nil, err
		}
		block := types.ClaudeContentBlock{Type: "text"}
		bt := types.BlockText
		if ev.Block != nil {
			block = blockToClaude(*ev.Block)
			bt = ev.Block.Type
			if block.Type == "tool_use" && len(block.Input) > 0 {
				// Streamed tool blocks open with empty input; arguments
				// arrive as input_json_delta.
				block.Input = json.RawMessage(`{}`)
			}
		}
		e.open[ev.Index] = bt
		frame, err := e.event("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         ev.Index,
			"content_block": block,
		})
		if err != nil {
			return nil, err
		}
		return append(out, frame), nil

	case types.EventTextDelta:
		return e.delta(ev.Index, types.BlockText, map[string]any{"type": "text_delta", "text": ev.Delta})

	case types.EventThinkingDelta:
		if ev.Block != nil && ev.Block.Signature != "" {
			return e.delta(ev.Index, types.BlockThinking, map[string]any{
				"type": "signature_delta", "signature": ev.Block.Signature,
			})
		}
		return e.delta(ev.Index, types.BlockThinking, map[string]any{"type": "thinking_delta", "thinking": ev.Delta})

	case types.EventToolArgsDelta:
		return e.delta(ev.Index, types.BlockToolUse, map[string]any{"type": "input_json_delta", "partial_json": ev.Delta})

	case types.EventBlockStop:
		if _, open := e.open[ev.Index]; !open {
			return nil, nil
		}
		delete(e.open, ev.Index)
		frame, err := e.event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": ev.Index,
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil

	case types.EventUsage:
		e.state.MergeUsage(ev.Usage)
		return nil, nil

	case types.EventStop:
		e.state.StopReason = ev.StopReason
		return nil, nil

	case types.EventDone:
		return e.finish()

	case types.EventError:
		frame, err := e.event("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    ev.ErrorType,
				"message": ev.ErrorMessage,
			},
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil

	default:
		return nil, nil
	}
}

// delta emits a content_block_delta, opening the block first if the source
// format never announced it.
func (e *claudeStreamEncoder) delta(index int, bt types.BlockType, payload map[string]any) ([][]byte, error) {
	out, err := e.start()
	if err != nil {
		return nil, err
	}

	if _, ok := e.open[index]; !ok {
		e.open[index] = bt
		open, err := e.event("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": blockToClaude(types.ContentBlock{Type: bt}),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, open)
	}

	frame, err := e.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": payload,
	})
	if err != nil {
		return nil, err
	}
	return append(out, frame), nil
}

func (e *claudeStreamEncoder) finish() ([][]byte, error) {
	if e.finished {
		return nil, nil
	}
	e.finished = true

	var out [][]byte
	started, err := e.start()
	if err != nil {
		return nil, err
	}
	out = append(out, started...)

	for _, idx := range sortedBlockIndexes(e.open) {
		delete(e.open, idx)
		frame, err := e.event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": idx,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, frame)
	}

	reason := e.state.StopReason
	if reason == "" {
		reason = types.StopEndTurn
	}
	deltaFrame, err := e.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": claudeStopReason(reason)},
		"usage": claudeUsage(e.state.Usage),
	})
	if err != nil {
		return nil, err
	}
	stopFrame, err := e.event("message_stop", map[string]any{"type": "message_stop"})
	if err != nil {
		return nil, err
	}
	return append(out, deltaFrame, stopFrame), nil
}

func (e *claudeStreamEncoder) Finish() [][]byte {
	out, err := e.finish()
	if err != nil {
		return nil
	}
	return out
}

func sortedBlockIndexes(m map[int]types.BlockType) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
