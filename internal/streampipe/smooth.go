package streampipe

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// SmoothingConfig splits large text deltas into fixed-size sub-chunks
// separated by a fixed delay, evening out upstreams that batch their output.
type SmoothingConfig struct {
	Enabled   bool
	ChunkSize int
	Delay     time.Duration
}

const (
	defaultSmoothingChunk = 16
	defaultSmoothingDelay = 20 * time.Millisecond
)

// smoother rewrites text-delta frames on their way to the sink. Only plain
// text deltas are split; tool calls, thinking blocks, and control events
// pass through untouched.
type smoother struct {
	cfg    SmoothingConfig
	family types.APIFamily
	sink   Sink
}

func newSmoother(cfg SmoothingConfig, family types.APIFamily, sink Sink) *smoother {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultSmoothingChunk
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultSmoothingDelay
	}
	return &smoother{cfg: cfg, family: family, sink: sink}
}

// Write forwards one SSE frame, splitting its text delta when it exceeds the
// chunk size.
func (s *smoother) Write(frame []byte) error {
	eventLine, payload := splitFrame(frame)
	if payload == nil {
		return s.passthrough(frame)
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return s.passthrough(frame)
	}

	text, ok := s.extractText(m)
	if !ok || len([]rune(text)) <= s.cfg.ChunkSize {
		return s.passthrough(frame)
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i += s.cfg.ChunkSize {
		end := i + s.cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		sub, err := s.renderSub(m, string(runes[i:end]), i == 0)
		if err != nil {
			return s.passthrough(frame)
		}
		out := sub
		if len(eventLine) > 0 {
			out = append(append([]byte(nil), eventLine...), sub...)
		}
		if err := s.sink.Write(out); err != nil {
			return err
		}
		s.sink.Flush()
		if end < len(runes) {
			time.Sleep(s.cfg.Delay)
		}
	}
	return nil
}

// FlushTail exists for symmetry with buffered writers; the smoother never
// holds bytes back.
func (s *smoother) FlushTail() {}

func (s *smoother) passthrough(frame []byte) error {
	if err := s.sink.Write(frame); err != nil {
		return err
	}
	s.sink.Flush()
	return nil
}

// extractText pulls the text delta out of a decoded payload, per family.
func (s *smoother) extractText(m map[string]any) (string, bool) {
	switch s.family {
	case types.FamilyClaude:
		if m["type"] != "content_block_delta" {
			return "", false
		}
		delta, _ := m["delta"].(map[string]any)
		if delta == nil || delta["type"] != "text_delta" {
			return "", false
		}
		text, ok := delta["text"].(string)
		return text, ok && text != ""
	case types.FamilyGemini:
		return "", false
	default:
		choices, _ := m["choices"].([]any)
		if len(choices) == 0 {
			return "", false
		}
		choice, _ := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		if delta == nil {
			return "", false
		}
		if _, hasTools := delta["tool_calls"]; hasTools {
			return "", false
		}
		text, ok := delta["content"].(string)
		return text, ok && text != ""
	}
}

// renderSub re-encodes the payload with a slice of the text. Role survives
// only in the first sub-chunk.
func (s *smoother) renderSub(m map[string]any, text string, first bool) ([]byte, error) {
	clone := cloneMap(m)
	switch s.family {
	case types.FamilyClaude:
		delta := cloneMap(clone["delta"].(map[string]any))
		delta["text"] = text
		clone["delta"] = delta
	default:
		choices := clone["choices"].([]any)
		choice := cloneMap(choices[0].(map[string]any))
		delta := cloneMap(choice["delta"].(map[string]any))
		delta["content"] = text
		if !first {
			delete(delta, "role")
		}
		choice["delta"] = delta
		clone["choices"] = []any{choice}
	}
	payload, err := json.Marshal(clone)
	if err != nil {
		return nil, err
	}
	return sseDataFrame(payload), nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// splitFrame separates an optional leading "event:" line from the data
// payload of one SSE frame.
func splitFrame(frame []byte) (eventLine, payload []byte) {
	rest := frame
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		var ln []byte
		if i < 0 {
			ln, rest = rest, nil
		} else {
			ln, rest = rest[:i], rest[i+1:]
		}
		trimmed := bytes.TrimSpace(ln)
		switch {
		case bytes.HasPrefix(trimmed, []byte(eventPrefix)):
			eventLine = append(append([]byte(nil), ln...), '\n')
		case bytes.HasPrefix(trimmed, []byte(dataPrefix)):
			return eventLine, bytes.TrimSpace(trimmed[len(dataPrefix):])
		}
	}
	return eventLine, nil
}
