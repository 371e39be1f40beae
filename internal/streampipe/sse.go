// Package streampipe carries a live upstream stream to the client: prefetch
// error sniffing, SSE parsing, cross-format conversion, first-byte and
// disconnect bookkeeping, and optional delta smoothing. It is the only place
// where upstream bytes and client bytes meet.
package streampipe

import (
	"bytes"
	"strings"
)

const (
	dataPrefix  = "data:"
	eventPrefix = "event:"

	// doneMarker terminates OpenAI-family streams.
	doneMarker = "[DONE]"
)

// line is one parsed wire line: either an SSE field, a Gemini array
// fragment, or noise (comments, keep-alives, blanks).
type line struct {
	raw []byte

	// data is the payload with the "data:" prefix and padding stripped;
	// nil when the line carries no data field.
	data []byte
	// event is the SSE event name when the line is an "event:" field.
	event string
}

// isData reports whether the line carries a data payload.
func (l line) isData() bool { return l.data != nil }

// lineSplitter assembles complete lines from arbitrarily chunked reads.
// A trailing fragment without a newline stays buffered until more bytes
// arrive or Flush drains it.
type lineSplitter struct {
	buf bytes.Buffer
}

// Feed appends raw bytes and returns the complete lines now available.
func (s *lineSplitter) Feed(p []byte) [][]byte {
	s.buf.Write(p)

	var lines [][]byte
	for {
		b := s.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			return lines
		}
		ln := make([]byte, i)
		copy(ln, b[:i])
		s.buf.Next(i + 1)
		lines = append(lines, trimCR(ln))
	}
}

// Flush drains whatever is still buffered as a final line.
func (s *lineSplitter) Flush() []byte {
	if s.buf.Len() == 0 {
		return nil
	}
	out := trimCR(append([]byte(nil), s.buf.Bytes()...))
	s.buf.Reset()
	return out
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// parseLine classifies one wire line. Gemini's non-SSE array mode sends a
// JSON array spread across lines; fragments that begin with an object after
// stripping array punctuation are treated as data.
func parseLine(raw []byte) line {
	l := line{raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return l
	}

	switch {
	case bytes.HasPrefix(trimmed, []byte(dataPrefix)):
		l.data = bytes.TrimSpace(trimmed[len(dataPrefix):])
	case bytes.HasPrefix(trimmed, []byte(eventPrefix)):
		l.event = string(bytes.TrimSpace(trimmed[len(eventPrefix):]))
	case trimmed[0] == '[' || trimmed[0] == ',' || trimmed[0] == '{':
		if frag := trimArrayFragment(trimmed); len(frag) > 0 {
			l.data = frag
		}
	}
	return l
}

// trimArrayFragment strips the array punctuation Gemini's JSON-array
// streaming wraps around each object: leading "[" or ",", trailing "]".
func trimArrayFragment(b []byte) []byte {
	for len(b) > 0 && (b[0] == '[' || b[0] == ',') {
		b = bytes.TrimSpace(b[1:])
	}
	for n := len(b); n > 0 && b[n-1] == ']'; n = len(b) {
		b = bytes.TrimSpace(b[:n-1])
	}
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	return b
}

// isDone reports the OpenAI stream terminator.
func isDone(data []byte) bool {
	return strings.TrimSpace(string(data)) == doneMarker
}

// looksLikeHTML sniffs misrouted base URLs: an upstream answering a chat
// path with an HTML page.
func looksLikeHTML(b []byte) bool {
	t := bytes.TrimSpace(b)
	if len(t) == 0 {
		return false
	}
	lower := bytes.ToLower(t)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) ||
		bytes.HasPrefix(lower, []byte("<html"))
}

// sseDataFrame renders a bare data frame in SSE framing.
func sseDataFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}

// sseErrorFrame renders a synthesized error event.
func sseErrorFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+16)
	out = append(out, "event: error\n"...)
	return append(out, sseDataFrame(payload)...)
}
