package parser

import "github.com/blueberrycongee/llmgate/pkg/types"

// GeminiParser handles Gemini generateContent payloads. Streaming chunks
// share the response shape; completion is signalled by a finishReason.
type GeminiParser struct{}

// Name implements Parser.
func (p *GeminiParser) Name() types.APIFamily { return types.FamilyGemini }

// ParseChunk implements Parser.
func (p *GeminiParser) ParseChunk(payload map[string]any, stats *Stats) *Chunk {
	if payload == nil {
		return nil
	}

	chunk := &Chunk{EventType: "content"}

	if ok, info := CheckEmbeddedError(payload); ok {
		chunk.Err = info
		stats.ChunkCount++
		return chunk
	}

	if candidates := jsonSlice(payload, "candidates"); len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content := jsonMap(candidate, "content"); content != nil {
				for _, part := range jsonSlice(content, "parts") {
					obj, ok := part.(map[string]any)
					if !ok {
						continue
					}
					// Thought parts are not client-visible text.
					if thought, _ := obj["thought"].(bool); thought {
						continue
					}
					chunk.TextDelta += jsonString(obj, "text")
				}
			}
			if jsonString(candidate, "finishReason") != "" {
				chunk.Done = true
				stats.HasCompletion = true
			}
		}
	}

	if u := extractGeminiUsage(payload); u != nil {
		chunk.Usage = u
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
func (p *GeminiParser) ParseResponse(payload map[string]any, statusCode int) *Response {
	result := &Response{StatusCode: statusCode, ID: jsonString(payload, "responseId")}

	if candidates := jsonSlice(payload, "candidates"); len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content := jsonMap(candidate, "content"); content != nil {
				for _, part := range jsonSlice(content, "parts") {
					obj, ok := part.(map[string]any)
					if !ok {
						continue
					}
					if thought, _ := obj["thought"].(bool); thought {
						continue
					}
					result.Text += jsonString(obj, "text")
				}
			}
		}
	}

	if u := extractGeminiUsage(payload); u != nil {
		result.Usage = *u
	}

	if ok, info := CheckEmbeddedError(payload); ok {
		result.Err = info
	}

	return result
}

// IsErrorPayload implements Parser.
func (p *GeminiParser) IsErrorPayload(payload map[string]any) bool {
	ok, _ := CheckEmbeddedError(payload)
	return ok
}

func extractGeminiUsage(payload map[string]any) *types.TokenUsage {
	usage := jsonMap(payload, "usageMetadata")
	if usage == nil {
		return nil
	}

	return &types.TokenUsage{
		InputTokens:     jsonInt(usage, "promptTokenCount"),
		OutputTokens:    jsonInt(usage, "candidatesTokenCount") + jsonInt(usage, "thoughtsTokenCount"),
		CacheReadTokens: jsonInt(usage, "cachedContentTokenCount"),
	}
}
