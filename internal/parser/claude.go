package parser

import "github.com/blueberrycongee/llmgate/pkg/types"

// ClaudeParser handles Claude Messages payloads, streaming and sync.
type ClaudeParser struct{}

// Name implements Parser.
func (p *ClaudeParser) Name() types.APIFamily { return types.FamilyClaude }

// ParseChunk implements Parser.
func (p *ClaudeParser) ParseChunk(payload map[string]any, stats *Stats) *Chunk {
	if payload == nil {
		return nil
	}

	chunk := &Chunk{EventType: jsonString(payload, "type")}

	if ok, info := CheckEmbeddedError(payload); ok {
		chunk.Err = info
		stats.ChunkCount++
		return chunk
	}

	switch chunk.EventType {
	case "content_block_delta":
		if delta := jsonMap(payload, "delta"); delta != nil {
			if jsonString(delta, "type") == "text_delta" {
				chunk.TextDelta = jsonString(delta, "text")
			}
		}
	case "message_stop":
		chunk.Done = true
		stats.HasCompletion = true
	}

	if u := extractClaudeUsage(payload); u != nil {
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
func (p *ClaudeParser) ParseResponse(payload map[string]any, statusCode int) *Response {
	result := &Response{StatusCode: statusCode, ID: jsonString(payload, "id")}

	for _, item := range jsonSlice(payload, "content") {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if jsonString(block, "type") == "text" {
			result.Text += jsonString(block, "text")
		}
	}

	if u := extractClaudeUsage(payload); u != nil {
		result.Usage = *u
	}

	if ok, info := CheckEmbeddedError(payload); ok {
		result.Err = info
	}

	return result
}

// IsErrorPayload implements Parser.
func (p *ClaudeParser) IsErrorPayload(payload map[string]any) bool {
	ok, _ := CheckEmbeddedError(payload)
	return ok
}

// extractClaudeUsage reads the usage object at the top level or, for
// message_start events, under message.usage.
func extractClaudeUsage(payload map[string]any) *types.TokenUsage {
	usage := jsonMap(payload, "usage")
	if usage == nil {
		if msg := jsonMap(payload, "message"); msg != nil {
			usage = jsonMap(msg, "usage")
		}
	}
	if usage == nil {
		return nil
	}

	cc := ExtractCacheCreationTokens(usage)
	return &types.TokenUsage{
		InputTokens:           jsonInt(usage, "input_tokens"),
		OutputTokens:          jsonInt(usage, "output_tokens"),
		CacheReadTokens:       jsonInt(usage, "cache_read_input_tokens"),
		CacheCreation5mTokens: cc.Ephemeral5m,
		CacheCreation1hTokens: cc.Ephemeral1h,
	}
}
