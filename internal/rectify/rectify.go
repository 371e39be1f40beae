// Package rectify repairs Claude-format request bodies that upstreams reject
// over stale thinking signatures. Rectification is error-triggered: the
// failover engine calls it when an attempt fails with a thinking-signature
// error, then retries the same candidate once with the cleaned body.
package rectify

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Rectify is the first-stage cleaning: every thinking and redacted_thinking
// block is removed, signature fields on the remaining blocks are stripped,
// and the top-level thinking parameter is dropped when the last assistant
// message carries a tool_use without a leading thinking block (the upstream
// would reject that combination with thinking still enabled).
func Rectify(body []byte) ([]byte, bool, error) {
	req, err := decode(body)
	if err != nil {
		return nil, false, err
	}

	modified := rectifyMessages(req, false)

	if shouldRemoveTopLevelThinking(req) {
		delete(req, "thinking")
		modified = true
	}

	if !modified {
		return body, false, nil
	}
	out, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("encode rectified body: %w", err)
	}
	return out, true, nil
}

// RectifyAggressive is the second-stage fallback: in addition to the
// first-stage cleaning it degrades tool_use and tool_result blocks into plain
// text and unconditionally disables top-level thinking. Only provider types
// known to validate signatures across block kinds get this stage.
func RectifyAggressive(body []byte) ([]byte, bool, error) {
	req, err := decode(body)
	if err != nil {
		return nil, false, err
	}

	modified := rectifyMessages(req, true)

	if thinking, ok := req["thinking"].(map[string]any); ok && thinking["type"] == "enabled" {
		delete(req, "thinking")
		modified = true
	}

	if !modified {
		return body, false, nil
	}
	out, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("encode rectified body: %w", err)
	}
	return out, true, nil
}

func decode(body []byte) (map[string]any, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return req, nil
}

func rectifyMessages(req map[string]any, degradeTools bool) bool {
	messages, ok := req["messages"].([]any)
	if !ok || len(messages) == 0 {
		return false
	}

	modified := false
	for _, raw := range messages {
		message, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, ok := message["content"].([]any)
		if !ok {
			continue
		}

		newContent := make([]any, 0, len(content))
		for _, rawBlock := range content {
			block, ok := rawBlock.(map[string]any)
			if !ok {
				newContent = append(newContent, rawBlock)
				continue
			}

			switch block["type"] {
			case "thinking", "redacted_thinking":
				modified = true
				continue
			case "tool_use":
				if degradeTools {
					newContent = append(newContent, degradeToolUse(block))
					modified = true
					continue
				}
			case "tool_result":
				if degradeTools {
					newContent = append(newContent, degradeToolResult(block))
					modified = true
					continue
				}
			}

			if _, ok := block["signature"]; ok {
				clean := make(map[string]any, len(block))
				for k, v := range block {
					if k != "signature" {
						clean[k] = v
					}
				}
				newContent = append(newContent, clean)
				modified = true
				continue
			}
			newContent = append(newContent, block)
		}
		message["content"] = newContent
	}
	return modified
}

func degradeToolUse(block map[string]any) map[string]any {
	input, err := json.Marshal(block["input"])
	if err != nil {
		input = []byte(fmt.Sprintf("%v", block["input"]))
	}
	return map[string]any{
		"type": "text",
		"text": fmt.Sprintf("[tool_use] name=%v input=%s", block["name"], input),
	}
}

func degradeToolResult(block map[string]any) map[string]any {
	content, err := json.Marshal(block["content"])
	if err != nil {
		content = []byte(fmt.Sprintf("%v", block["content"]))
	}
	return map[string]any{
		"type": "text",
		"text": fmt.Sprintf("[tool_result] %s", content),
	}
}

// shouldRemoveTopLevelThinking inspects the already-cleaned messages: the
// upstream only validates the last assistant message, and with its thinking
// blocks gone a tool_use there can no longer satisfy the leading-thinking
// requirement.
func shouldRemoveTopLevelThinking(req map[string]any) bool {
	thinking, ok := req["thinking"].(map[string]any)
	if !ok || thinking["type"] != "enabled" {
		return false
	}
	messages, ok := req["messages"].([]any)
	if !ok || len(messages) == 0 {
		return false
	}

	for i := len(messages) - 1; i >= 0; i-- {
		message, ok := messages[i].(map[string]any)
		if !ok || message["role"] != "assistant" {
			continue
		}
		content, ok := message["content"].([]any)
		if !ok {
			return false
		}
		for _, rawBlock := range content {
			if block, ok := rawBlock.(map[string]any); ok && block["type"] == "tool_use" {
				return true
			}
		}
		return false
	}
	return false
}
