package format

import (
	"fmt"

	"github.com/blueberrycongee/llmgate/pkg/types"

	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// StreamState is the only mutable cross-chunk state of a streaming
// conversion. It is held per request and must be Reset before any retry so a
// replacement attempt starts from a clean slate.
type StreamState struct {
	MessageID string
	Model     string

	// RoleSent: the target format has already announced the assistant role.
	RoleSent bool

	// openBlocks maps canonical block index to its type while the block is
	// open.
	openBlocks map[int]types.BlockType

	// Usage accumulates observations max-merged across chunks.
	Usage types.TokenUsage

	StopReason types.StopReason

	// Stage counts structural transitions, used for deterministic synthetic
	// IDs.
	Stage int
}

// NewStreamState creates a state seeded with the request's model name.
func NewStreamState(model string) *StreamState {
	return &StreamState{Model: model, openBlocks: make(map[int]types.BlockType)}
}

// Reset returns the state to its initial condition, keeping only the model.
func (s *StreamState) Reset() {
	model := s.Model
	*s = StreamState{Model: model, openBlocks: make(map[int]types.BlockType)}
}

// OpenBlock records a block opening and returns whether it was already open.
func (s *StreamState) OpenBlock(index int, bt types.BlockType) bool {
	_, open := s.openBlocks[index]
	s.openBlocks[index] = bt
	return open
}

// CloseBlock records a block closing and returns its type.
func (s *StreamState) CloseBlock(index int) (types.BlockType, bool) {
	bt, ok := s.openBlocks[index]
	delete(s.openBlocks, index)
	return bt, ok
}

// BlockType returns the type of an open block.
func (s *StreamState) BlockType(index int) (types.BlockType, bool) {
	bt, ok := s.openBlocks[index]
	return bt, ok
}

// OpenBlocks returns the indexes of blocks still open, in ascending order.
func (s *StreamState) OpenBlocks() []int {
	out := make([]int, 0, len(s.openBlocks))
	for i := range s.openBlocks {
		out = append(out, i)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// MergeUsage folds a usage observation into the running total.
func (s *StreamState) MergeUsage(u *types.TokenUsage) {
	if u != nil {
		s.Usage.MergeMax(*u)
	}
}

// StreamDecoder turns one source-format SSE data payload into canonical
// events. Decoders are stateful through the shared StreamState.
type StreamDecoder interface {
	Decode(payload []byte) ([]types.StreamEvent, error)
}

// StreamEncoder renders canonical events as target-format SSE frames. Each
// returned element is one complete frame including the trailing blank line.
type StreamEncoder interface {
	Encode(ev types.StreamEvent) ([][]byte, error)
	// Finish emits whatever the target format requires to close the stream
	// cleanly, closing any blocks still open.
	Finish() [][]byte
}

// StreamConverter drives a source decoder and a target encoder over a shared
// state.
type StreamConverter struct {
	state *StreamState
	src   Normalizer
	dst   Normalizer
	dec   StreamDecoder
	enc   StreamEncoder
}

// NewStreamConverter builds a converter from the source family to the target
// family for one request.
func NewStreamConverter(src, dst Normalizer, model string) *StreamConverter {
	st := NewStreamState(model)
	return &StreamConverter{
		state: st,
		src:   src,
		dst:   dst,
		dec:   src.NewStreamDecoder(st),
		enc:   dst.NewStreamEncoder(st),
	}
}

// State exposes the running conversion state.
func (c *StreamConverter) State() *StreamState { return c.state }

// Convert translates one source SSE data payload into zero or more target
// frames.
func (c *StreamConverter) Convert(payload []byte) ([][]byte, error) {
	events, err := c.dec.Decode(payload)
	if err != nil {
		return nil, gwerrors.NewFormatConversionError(
			fmt.Sprintf("decode %s stream chunk: %v", c.src.Family(), err)).WithCause(err)
	}

	var out [][]byte
	for _, ev := range events {
		frames, err := c.enc.Encode(ev)
		if err != nil {
			return nil, gwerrors.NewFormatConversionError(
				fmt.Sprintf("encode %s stream event: %v", c.dst.Family(), err)).WithCause(err)
		}
		out = append(out, frames...)
	}
	return out, nil
}

// Finish closes the target stream.
func (c *StreamConverter) Finish() [][]byte {
	return c.enc.Finish()
}

// Reset prepares the converter for a retry attempt. All decoder and encoder
// state is rebuilt from scratch.
func (c *StreamConverter) Reset() {
	c.state.Reset()
	c.dec = c.src.NewStreamDecoder(c.state)
	c.enc = c.dst.NewStreamEncoder(c.state)
}

func sseData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

func sseEvent(event string, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(event)+16)
	out = append(out, "event: "...)
	out = append(out, event...)
	out = append(out, '\n')
	return append(out, sseData(payload)...)
}
