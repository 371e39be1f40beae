package format

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// GeminiNormalizer translates the Gemini generateContent wire format through
// the Internal representation.
type GeminiNormalizer struct{}

// Family implements Normalizer.
func (n *GeminiNormalizer) Family() types.APIFamily { return types.FamilyGemini }

// Capabilities implements Normalizer.
func (n *GeminiNormalizer) Capabilities() Capabilities {
	return Capabilities{SupportsStream: true, SupportsTools: true, SupportsThinking: true}
}

// RequestToInternal implements Normalizer.
func (n *GeminiNormalizer) RequestToInternal(body []byte) (*types.InternalRequest, error) {
	var req types.GeminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode gemini request: %w", err)
	}

	out := &types.InternalRequest{Extra: req.Extra}

	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			if p.Text != "" {
				out.System = append(out.System, types.TextBlock(p.Text))
			}
		}
	}

	callSeq := 0
	for _, content := range req.Contents {
		role := "user"
		if content.Role == "model" {
			role = "assistant"
		}
		im := types.InternalMessage{Role: role}
		for _, p := range content.Parts {
			switch {
			case p.FunctionCall != nil:
				callSeq++
				im.Blocks = append(im.Blocks, types.ContentBlock{
					Type: types.BlockToolUse,
					// Gemini carries no call IDs; synthesize a stable one.
					ID:    fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, callSeq),
					Name:  p.FunctionCall.Name,
					Input: p.FunctionCall.Args,
				})
			case p.FunctionResponse != nil:
				im.Blocks = append(im.Blocks, types.ContentBlock{
					Type:      types.BlockToolResult,
					ToolUseID: p.FunctionResponse.Name,
					Content:   p.FunctionResponse.Response,
				})
			case len(p.InlineData) > 0:
				im.Blocks = append(im.Blocks, types.ContentBlock{Type: types.BlockImage, Source: p.InlineData})
			case p.Thought:
				im.Blocks = append(im.Blocks, types.ContentBlock{
					Type:      types.BlockThinking,
					Thinking:  p.Text,
					Signature: p.ThoughtSignature,
				})
			case p.Text != "" || p.ThoughtSignature != "":
				im.Blocks = append(im.Blocks, types.ContentBlock{
					Type:      types.BlockText,
					Text:      p.Text,
					Signature: p.ThoughtSignature,
				})
			}
		}
		out.Messages = append(out.Messages, im)
	}

	for _, tool := range req.Tools {
		for _, fd := range tool.FunctionDeclarations {
			out.Tools = append(out.Tools, types.InternalTool{
				Name:        fd.Name,
				Description: fd.Description,
				InputSchema: fd.Parameters,
			})
		}
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
		if tc := gc.ThinkingConfig; tc != nil && tc.ThinkingBudget > 0 {
			out.Thinking = &types.ThinkingConfig{Enabled: true, BudgetTokens: tc.ThinkingBudget}
		}
	}

	return out, nil
}

// RequestFromInternal implements Normalizer.
func (n *GeminiNormalizer) RequestFromInternal(req *types.InternalRequest, _ string) ([]byte, error) {
	out := types.GeminiRequest{}

	if system := blocksText(req.System); system != "" {
		out.SystemInstruction = &types.GeminiContent{Parts: []types.GeminiPart{{Text: system}}}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		content := types.GeminiContent{Role: role}
		for _, b := range msg.Blocks {
			switch b.Type {
			case types.BlockText:
				content.Parts = append(content.Parts, types.GeminiPart{Text: b.Text, ThoughtSignature: b.Signature})
			case types.BlockThinking:
				content.Parts = append(content.Parts, types.GeminiPart{
					Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature,
				})
			case types.BlockToolUse:
				content.Parts = append(content.Parts, types.GeminiPart{
					FunctionCall: &types.GeminiFunctionCall{Name: b.Name, Args: b.Input},
				})
			case types.BlockToolResult:
				content.Parts = append(content.Parts, types.GeminiPart{
					FunctionResponse: &types.GeminiFunctionResponse{
						Name:     b.ToolUseID,
						Response: geminiToolResponse(b.Content),
					},
				})
			case types.BlockImage:
				content.Parts = append(content.Parts, types.GeminiPart{InlineData: b.Source})
			}
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		tool := types.GeminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, types.GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		out.Tools = []types.GeminiTool{tool}
	}

	gc := &types.GeminiGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		gc.ThinkingConfig = &types.GeminiThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	}
	out.GenerationConfig = gc

	return json.Marshal(out)
}

// geminiToolResponse wraps a tool result into the object shape
// functionResponse requires.
func geminiToolResponse(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	out, _ := json.Marshal(map[string]string{"result": s})
	return out
}

// ResponseToInternal implements Normalizer.
func (n *GeminiNormalizer) ResponseToInternal(body []byte) (*types.InternalResponse, error) {
	var resp types.GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("gemini error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response has no candidates")
	}

	out := &types.InternalResponse{
		ID:    resp.ResponseID,
		Model: resp.ModelVersion,
		Role:  "assistant",
	}

	cand := resp.Candidates[0]
	callSeq := 0
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			callSeq++
			out.Blocks = append(out.Blocks, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, callSeq),
				Name:  p.FunctionCall.Name,
				Input: p.FunctionCall.Args,
			})
			out.StopReason = types.StopToolUse
		case p.Thought:
			out.Blocks = append(out.Blocks, types.ContentBlock{
				Type: types.BlockThinking, Thinking: p.Text, Signature: p.ThoughtSignature,
			})
		case p.Text != "":
			out.Blocks = append(out.Blocks, types.TextBlock(p.Text))
		}
	}

	if out.StopReason == "" {
		if reason, ok := geminiStopReasons[cand.FinishReason]; ok {
			out.StopReason = reason
		} else {
			out.StopReason = types.StopEndTurn
		}
	}

	if resp.UsageMetadata != nil {
		out.Usage = usageFromGemini(resp.UsageMetadata)
	}
	return out, nil
}

func usageFromGemini(u *types.GeminiUsageMetadata) types.TokenUsage {
	input := u.PromptTokenCount - u.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	return types.TokenUsage{
		InputTokens:     input,
		OutputTokens:    u.CandidatesTokenCount + u.ThoughtsTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
}

func geminiUsage(u types.TokenUsage) *types.GeminiUsageMetadata {
	prompt := u.InputTokens + u.CacheReadTokens
	return &types.GeminiUsageMetadata{
		PromptTokenCount:        prompt,
		CandidatesTokenCount:    u.OutputTokens,
		TotalTokenCount:         prompt + u.OutputTokens,
		CachedContentTokenCount: u.CacheReadTokens,
	}
}

// ResponseFromInternal implements Normalizer.
func (n *GeminiNormalizer) ResponseFromInternal(resp *types.InternalResponse) ([]byte, error) {
	content := types.GeminiContent{Role: "model"}
	for _, b := range resp.Blocks {
		switch b.Type {
		case types.BlockText:
			content.Parts = append(content.Parts, types.GeminiPart{Text: b.Text})
		case types.BlockThinking:
			content.Parts = append(content.Parts, types.GeminiPart{
				Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature,
			})
		case types.BlockToolUse:
			content.Parts = append(content.Parts, types.GeminiPart{
				FunctionCall: &types.GeminiFunctionCall{Name: b.Name, Args: b.Input},
			})
		}
	}

	out := types.GeminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		Candidates: []types.GeminiCandidate{{
			Content:      content,
			FinishReason: geminiFinishReason(resp.StopReason),
		}},
		UsageMetadata: geminiUsage(resp.Usage),
	}
	return json.Marshal(out)
}

// NewStreamDecoder implements Normalizer.
func (n *GeminiNormalizer) NewStreamDecoder(state *StreamState) StreamDecoder {
	return &geminiStreamDecoder{state: state, thinkingIdx: -1, textIdx: -1}
}

// NewStreamEncoder implements Normalizer.
func (n *GeminiNormalizer) NewStreamEncoder(state *StreamState) StreamEncoder {
	return &geminiStreamEncoder{state: state, pendingTools: make(map[int]*pendingTool)}
}

type geminiStreamDecoder struct {
	state   *StreamState
	started bool

	thinkingIdx int
	textIdx     int
	nextIdx     int
	callSeq     int
}

func (d *geminiStreamDecoder) allocIdx() int {
	idx := d.nextIdx
	d.nextIdx++
	return idx
}

func (d *geminiStreamDecoder) Decode(payload []byte) ([]types.StreamEvent, error) {
	var chunk types.GeminiResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}

	if chunk.Error != nil {
		return []types.StreamEvent{{
			Type:         types.EventError,
			ErrorType:    chunk.Error.Status,
			ErrorMessage: chunk.Error.Message,
			ErrorCode:    chunk.Error.Code,
		}}, nil
	}

	var events []types.StreamEvent

	if chunk.ResponseID != "" && d.state.MessageID == "" {
		d.state.MessageID = chunk.ResponseID
	}
	if chunk.ModelVersion != "" {
		d.state.Model = chunk.ModelVersion
	}
	if !d.started {
		d.started = true
		events = append(events, types.StreamEvent{
			Type:      types.EventMessageStart,
			MessageID: d.state.MessageID,
			Model:     d.state.Model,
			Role:      "assistant",
		})
	}

	var finish string
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		finish = cand.FinishReason
		for _, p := range cand.Content.Parts {
			events = append(events, d.decodePart(p)...)
		}
	}

	if chunk.UsageMetadata != nil {
		u := usageFromGemini(chunk.UsageMetadata)
		d.state.MergeUsage(&u)
		events = append(events, types.StreamEvent{Type: types.EventUsage, Usage: &u})
	}

	if finish != "" {
		for _, idx := range d.state.OpenBlocks() {
			d.state.CloseBlock(idx)
			events = append(events, types.StreamEvent{Type: types.EventBlockStop, Index: idx})
		}
		reason, ok := geminiStopReasons[finish]
		if !ok {
			reason = types.StopEndTurn
		}
		d.state.StopReason = reason
		events = append(events,
			types.StreamEvent{Type: types.EventStop, StopReason: reason},
			types.StreamEvent{Type: types.EventDone})
	}

	return events, nil
}

func (d *geminiStreamDecoder) decodePart(p types.GeminiPart) []types.StreamEvent {
	switch {
	case p.FunctionCall != nil:
		d.callSeq++
		idx := d.allocIdx()
		args := string(p.FunctionCall.Args)
		if args == "" {
			args = "{}"
		}
		// Gemini delivers complete calls; open, stream the args, close.
		return []types.StreamEvent{
			{
				Type:  types.EventBlockStart,
				Index: idx,
				Block: &types.ContentBlock{
					Type: types.BlockToolUse,
					ID:   fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, d.callSeq),
					Name: p.FunctionCall.Name,
				},
			},
			{Type: types.EventToolArgsDelta, Index: idx, Delta: args},
			{Type: types.EventBlockStop, Index: idx},
		}

	case p.Thought:
		var events []types.StreamEvent
		if d.thinkingIdx < 0 {
			d.thinkingIdx = d.allocIdx()
			d.state.OpenBlock(d.thinkingIdx, types.BlockThinking)
			events = append(events, types.StreamEvent{
				Type:  types.EventBlockStart,
				Index: d.thinkingIdx,
				Block: &types.ContentBlock{Type: types.BlockThinking},
			})
		}
		return append(events, types.StreamEvent{
			Type: types.EventThinkingDelta, Index: d.thinkingIdx, Delta: p.Text,
		})

	case p.Text != "":
		var events []types.StreamEvent
		if d.thinkingIdx >= 0 {
			if _, open := d.state.CloseBlock(d.thinkingIdx); open {
				events = append(events, types.StreamEvent{Type: types.EventBlockStop, Index: d.thinkingIdx})
			}
			d.thinkingIdx = -1
		}
		if d.textIdx < 0 {
			d.textIdx = d.allocIdx()
			d.state.OpenBlock(d.textIdx, types.BlockText)
			events = append(events, types.StreamEvent{
				Type:  types.EventBlockStart,
				Index: d.textIdx,
				Block: &types.ContentBlock{Type: types.BlockText},
			})
		}
		return append(events, types.StreamEvent{
			Type: types.EventTextDelta, Index: d.textIdx, Delta: p.Text,
		})
	}
	return nil
}

type pendingTool struct {
	name string
	args strings.Builder
}

type geminiStreamEncoder struct {
	state        *StreamState
	pendingTools map[int]*pendingTool
	finished     bool
}

func (e *geminiStreamEncoder) chunk(parts []types.GeminiPart, finish string) ([][]byte, error) {
	out := types.GeminiResponse{
		ResponseID:   e.state.MessageID,
		ModelVersion: e.state.Model,
	}
	cand := types.GeminiCandidate{FinishReason: finish}
	if len(parts) > 0 {
		cand.Content = types.GeminiContent{Role: "model", Parts: parts}
	}
	out.Candidates = []types.GeminiCandidate{cand}
	if finish != "" {
		out.UsageMetadata = geminiUsage(e.state.Usage)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return [][]byte{sseData(raw)}, nil
}

func (e *geminiStreamEncoder) Encode(ev types.StreamEvent) ([][]byte, error) {
	switch ev.Type {
	case types.EventMessageStart:
		if ev.MessageID != "" {
			e.state.MessageID = ev.MessageID
		}
		if ev.Model != "" {
			e.state.Model = ev.Model
		}
		return nil, nil

	case types.EventBlockStart:
		if ev.Block != nil && ev.Block.Type == types.BlockToolUse {
			e.pendingTools[ev.Index] = &pendingTool{name: ev.Block.Name}
		}
		return nil, nil

	case types.EventTextDelta:
		return e.chunk([]types.GeminiPart{{Text: ev.Delta}}, "")

	case types.EventThinkingDelta:
		if ev.Delta == "" {
			return nil, nil
		}
		return e.chunk([]types.GeminiPart{{Text: ev.Delta, Thought: true}}, "")

	case types.EventToolArgsDelta:
		pt, ok := e.pendingTools[ev.Index]
		if !ok {
			pt = &pendingTool{}
			e.pendingTools[ev.Index] = pt
		}
		pt.args.WriteString(ev.Delta)
		return nil, nil

	case types.EventBlockStop:
		pt, ok := e.pendingTools[ev.Index]
		if !ok {
			return nil, nil
		}
		delete(e.pendingTools, ev.Index)
		return e.chunk([]types.GeminiPart{{FunctionCall: &types.GeminiFunctionCall{
			Name: pt.name,
			Args: toolArgsJSON(pt.args.String()),
		}}}, "")

	case types.EventUsage:
		e.state.MergeUsage(ev.Usage)
		return nil, nil

	case types.EventStop:
		e.state.StopReason = ev.StopReason
		return nil, nil

	case types.EventDone:
		return e.finishFrames()

	case types.EventError:
		out := types.GeminiResponse{Error: &types.GeminiError{
			Code:    ev.ErrorCode,
			Status:  ev.ErrorType,
			Message: ev.ErrorMessage,
		}}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return [][]byte{sseData(raw)}, nil

	default:
		return nil, nil
	}
}

func (e *geminiStreamEncoder) finishFrames() ([][]byte, error) {
	if e.finished {
		return nil, nil
	}
	e.finished = true

	var out [][]byte
	for _, idx := range sortedToolIndexes(e.pendingTools) {
		pt := e.pendingTools[idx]
		delete(e.pendingTools, idx)
		frames, err := e.chunk([]types.GeminiPart{{FunctionCall: &types.GeminiFunctionCall{
			Name: pt.name,
			Args: toolArgsJSON(pt.args.String()),
		}}}, "")
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}

	reason := e.state.StopReason
	if reason == "" {
		reason = types.StopEndTurn
	}
	frames, err := e.chunk(nil, geminiFinishReason(reason))
	if err != nil {
		return nil, err
	}
	return append(out, frames...), nil
}

func (e *geminiStreamEncoder) Finish() [][]byte {
	out, err := e.finishFrames()
	if err != nil {
		return nil
	}
	return out
}

func toolArgsJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

func sortedToolIndexes(m map[int]*pendingTool) []int {
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
