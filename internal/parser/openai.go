package parser

import "github.com/blueberrycongee/llmgate/pkg/types"

// OpenAIParser handles OpenAI Chat Completions payloads, streaming and sync.
// It also serves the Responses API family: the usage extraction covers both
// shapes.
type OpenAIParser struct{}

// Name implements Parser.
func (p *OpenAIParser) Name() types.APIFamily { return types.FamilyOpenAI }

// ParseChunk implements Parser.
func (p *OpenAIParser) ParseChunk(payload map[string]any, stats *Stats) *Chunk {
	if payload == nil {
		return nil
	}

	chunk := &Chunk{}

	if ok, info := CheckEmbeddedError(payload); ok {
		chunk.Err = info
		stats.ChunkCount++
		return chunk
	}

	// Responses API events are type-tagged.
	if t := jsonString(payload, "type"); t != "" {
		chunk.EventType = t
		switch t {
		case "response.output_text.delta":
			chunk.TextDelta = jsonString(payload, "delta")
		case "response.completed", "response.incomplete", "response.failed":
			chunk.Done = true
			stats.HasCompletion = true
			if resp := jsonMap(payload, "response"); resp != nil {
				if u := extractOpenAIUsage(resp); u != nil {
					chunk.Usage = u
				}
			}
		}
	} else {
		// Chat Completions chunk.
		if choices := jsonSlice(payload, "choices"); len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if delta := jsonMap(choice, "delta"); delta != nil {
					chunk.TextDelta = jsonString(delta, "content")
				}
				if jsonString(choice, "finish_reason") != "" {
					chunk.Done = true
					stats.HasCompletion = true
				}
			}
		}
		if u := extractOpenAIUsage(payload); u != nil {
			chunk.Usage = u
		}
	}

	if chunk.TextDelta != "" {
		stats.AddText(chunk.TextDelta)
	}
	if chunk.Usage != nil {
		stats.Usage.MergeMax(*chunk.Usage)
	}
	stats.ChunkCount++
	stats.DataCount++

	return chunk
}

// ParseResponse implements Parser.
func (p *OpenAIParser) ParseResponse(payload map[string]any, statusCode int) *Response {
	result := &Response{StatusCode: statusCode, ID: jsonString(payload, "id")}

	if choices := jsonSlice(payload, "choices"); len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg := jsonMap(choice, "message"); msg != nil {
				result.Text = jsonString(msg, "content")
			}
		}
	}

	// Responses API: output[].content[].text.
	if result.Text == "" {
		for _, item := range jsonSlice(payload, "output") {
			obj, ok := item.(map[string]any)
			if !ok || jsonString(obj, "type") != "message" {
				continue
			}
			for _, part := range jsonSlice(obj, "content") {
				p, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if jsonString(p, "type") == "output_text" {
					result.Text += jsonString(p, "text")
				}
			}
		}
	}

	if u := extractOpenAIUsage(payload); u != nil {
		result.Usage = *u
	}

	if ok, info := CheckEmbeddedError(payload); ok {
		result.Err = info
	}

	return result
}

// IsErrorPayload implements Parser.
func (p *OpenAIParser) IsErrorPayload(payload map[string]any) bool {
	ok, _ := CheckEmbeddedError(payload)
	return ok
}

// extractOpenAIUsage reads both the Chat shape (prompt_tokens) and the
// Responses shape (input_tokens). Returns nil when no usage object exists.
func extractOpenAIUsage(payload map[string]any) *types.TokenUsage {
	usage := jsonMap(payload, "usage")
	if usage == nil {
		return nil
	}

	u := &types.TokenUsage{}
	if _, ok := usage["prompt_tokens"]; ok {
		u.InputTokens = jsonInt(usage, "prompt_tokens")
		u.OutputTokens = jsonInt(usage, "completion_tokens")
		if details := jsonMap(usage, "prompt_tokens_details"); details != nil {
			u.CacheReadTokens = jsonInt(details, "cached_tokens")
		}
		return u
	}

	u.InputTokens = jsonInt(usage, "input_tokens")
	u.OutputTokens = jsonInt(usage, "output_tokens")
	if details := jsonMap(usage, "input_tokens_details"); details != nil {
		u.CacheReadTokens = jsonInt(details, "cached_tokens")
	}
	return u
}
