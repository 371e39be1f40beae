package streampipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/format"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/parser"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Pipeline defaults.
const (
	DefaultDataTimeout         = 30 * time.Second
	DefaultEmptyChunkThreshold = 50
	DefaultDisconnectPoll      = 500 * time.Millisecond
	DefaultMaxStoredResponse   = 256 * 1024
)

// Config tunes one pipeline instance; the zero value gets defaults.
type Config struct {
	// DataTimeout bounds upstream silence. An upstream that sends bytes but
	// never a data payload is cut off after this window.
	DataTimeout time.Duration

	// EmptyChunkThreshold is how many non-data lines are tolerated while
	// the data-chunk count is still zero.
	EmptyChunkThreshold int

	// DisconnectPoll is the interval of the background client-liveness
	// check.
	DisconnectPoll time.Duration

	// MaxStoredResponse caps the parsed-chunk log kept for the usage row.
	MaxStoredResponse int

	Smoothing SmoothingConfig
}

func (c *Config) defaults() {
	if c.DataTimeout <= 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	if c.EmptyChunkThreshold <= 0 {
		c.EmptyChunkThreshold = DefaultEmptyChunkThreshold
	}
	if c.DisconnectPoll <= 0 {
		c.DisconnectPoll = DefaultDisconnectPoll
	}
	if c.MaxStoredResponse <= 0 {
		c.MaxStoredResponse = DefaultMaxStoredResponse
	}
}

// Sink receives client-bound bytes. Flush pushes buffered bytes onto the
// wire so deltas arrive as they are produced.
type Sink interface {
	Write(p []byte) error
	Flush()
}

// Request is one stream-forwarding job.
type Request struct {
	Provider string
	Model    string

	ClientFamily   types.APIFamily
	UpstreamFamily types.APIFamily

	// NeedsConversion runs every upstream data payload through the
	// cross-format stream converter instead of forwarding verbatim.
	NeedsConversion bool

	// Prefetched replays the bytes the error sniff already consumed.
	Prefetched *Prefetched

	Body io.ReadCloser
	Sink Sink

	// IsDisconnected reports client liveness; nil disables the watcher.
	IsDisconnected func() bool

	// OnFirstOutput fires once, when the first client-bound bytes are
	// written. Idempotent across the request's retries by construction:
	// only the attempt that produces output invokes it.
	OnFirstOutput func()
}

// Outcome is what the stream delivered, for billing and telemetry. A nil
// error with Completed=false means the stream ended early but bytes were
// already on the client wire, so the attempt is terminal and billed partial.
type Outcome struct {
	Usage types.TokenUsage
	Text  string

	Completed  bool
	DataChunks int

	ClientDisconnected bool
	StatusCode         int
	ErrorMessage       string

	// StoredResponse is the payload log in the client's wire shape, capped.
	StoredResponse []byte
}

// Pipeline forwards upstream streams to clients.
type Pipeline struct {
	cfg    Config
	logger *observability.Logger
}

// New creates a Pipeline.
func New(cfg Config, logger *observability.Logger) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg, logger: logger}
}

// run-scoped mutable state.
type run struct {
	req  *Request
	cfg  Config
	p    *Pipeline
	conv *format.StreamConverter
	par  parser.Parser

	stats     parser.Stats
	splitter  lineSplitter
	smoother  *smoother
	stored    []byte
	forwarded bool
	completed bool

	dataChunks   int
	nonDataLines int
	lastData     time.Time
}

// Run drives the stream to completion. Errors are returned only while the
// client wire is still clean; after the first forwarded byte every failure
// is folded into the Outcome so the attempt can be billed for what it
// produced.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Outcome, error) {
	r := &run{req: req, cfg: p.cfg, p: p, par: parser.ForFamily(req.UpstreamFamily), lastData: time.Now()}
	if req.NeedsConversion {
		r.conv = format.NewStreamConverter(
			format.ForFamily(req.UpstreamFamily),
			format.ForFamily(req.ClientFamily),
			req.Model,
		)
	}
	if p.cfg.Smoothing.Enabled {
		r.smoother = newSmoother(p.cfg.Smoothing, req.ClientFamily, req.Sink)
	}
	defer req.Body.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var disconnected atomic.Bool
	if req.IsDisconnected != nil {
		go watchDisconnect(ctx, p.cfg.DisconnectPoll, req.IsDisconnected, &disconnected, cancel)
	}

	out, err := r.loop(ctx)

	if err != nil && errors.Is(err, context.Canceled) {
		// Attribute the cancellation: client gone is 499 and billed for
		// partial output; anything else is a server-side 503.
		if disconnected.Load() || (req.IsDisconnected != nil && req.IsDisconnected()) {
			return r.outcome(499, "client_disconnected", true), nil
		}
		return r.outcome(503, "request_cancelled", false), err
	}
	return out, err
}

func watchDisconnect(ctx context.Context, every time.Duration, check func() bool, flag *atomic.Bool, cancel context.CancelFunc) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if check() {
				flag.Store(true)
				cancel()
				return
			}
		}
	}
}

// loop is the byte → line → payload pump.
func (r *run) loop(ctx context.Context) (*Outcome, error) {
	if r.req.Prefetched != nil && len(r.req.Prefetched.Raw) > 0 {
		for _, ln := range r.splitter.Feed(r.req.Prefetched.Raw) {
			if out, err := r.handleLine(ln); out != nil || err != nil {
				return out, err
			}
		}
	}

	reads := make(chan readResult)
	go readPump(ctx, r.req.Body, reads)

	timer := time.NewTimer(r.cfg.DataTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Canceled

		case <-timer.C:
			if r.dataChunks == 0 {
				return r.abortEmpty()
			}
			return r.connectionLost(fmt.Errorf("no upstream data for %s", r.cfg.DataTimeout))

		case rr, ok := <-reads:
			if !ok {
				return r.finish()
			}
			if len(rr.b) > 0 {
				for _, ln := range r.splitter.Feed(rr.b) {
					if out, err := r.handleLine(ln); out != nil || err != nil {
						return out, err
					}
				}
			}
			if rr.err != nil {
				if errors.Is(rr.err, io.EOF) {
					return r.finish()
				}
				return r.connectionLost(rr.err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.cfg.DataTimeout)
		}
	}
}

type readResult struct {
	b   []byte
	err error
}

// readPump feeds body reads to the loop. It exits when the read errors or
// the run context is cancelled; the caller's deferred Body.Close unblocks a
// Read stuck in the kernel.
func readPump(ctx context.Context, body io.Reader, out chan<- readResult) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		rr := readResult{err: err}
		if n > 0 {
			rr.b = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- rr:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleLine processes one complete wire line. A non-nil Outcome or error
// terminates the loop.
func (r *run) handleLine(ln []byte) (*Outcome, error) {
	parsed := parseLine(ln)

	if !parsed.isData() {
		r.nonDataLines++
		if r.dataChunks == 0 && r.nonDataLines > r.cfg.EmptyChunkThreshold &&
			time.Since(r.lastData) > r.cfg.DataTimeout {
			return r.abortEmpty()
		}
		// Event names and keep-alives are forwarded verbatim only when the
		// stream is not being rewritten; the converter emits its own
		// framing.
		if !r.req.NeedsConversion && len(ln) > 0 {
			if err := r.write(append(ln, '\n')); err != nil {
				return r.outcome(499, "client_disconnected", true), nil
			}
		}
		return nil, nil
	}

	if isDone(parsed.data) {
		r.completed = true
		if !r.req.NeedsConversion {
			if err := r.write([]byte("data: [DONE]\n\n")); err != nil {
				return r.outcome(499, "client_disconnected", true), nil
			}
		}
		return nil, nil
	}

	r.dataChunks++
	r.lastData = time.Now()

	var payload map[string]any
	if err := json.Unmarshal(parsed.data, &payload); err == nil {
		if chunk := r.par.ParseChunk(payload, &r.stats); chunk != nil {
			if chunk.Usage != nil {
				r.stats.Usage.MergeMax(*chunk.Usage)
			}
			if chunk.Done {
				r.completed = true
			}
			if chunk.Err != nil {
				return r.embeddedMidStream(chunk.Err)
			}
		}
	}

	if r.req.NeedsConversion {
		frames, err := r.conv.Convert(parsed.data)
		if err != nil {
			if !r.forwarded {
				return nil, err
			}
			return r.synthesizeError("format_conversion_error", err.Error())
		}
		for _, f := range frames {
			r.store(f)
			if err := r.write(f); err != nil {
				return r.outcome(499, "client_disconnected", true), nil
			}
		}
		return nil, nil
	}

	frame := sseDataFrame(parsed.data)
	r.store(frame)
	if err := r.write(frame); err != nil {
		return r.outcome(499, "client_disconnected", true), nil
	}
	return nil, nil
}

// finish flushes residual buffers and closes the client stream cleanly.
// Upstreams that drop the connection right after the final payload still get
// their tail events (final usage often rides on them) parsed here.
func (r *run) finish() (*Outcome, error) {
	if tail := r.splitter.Flush(); len(tail) > 0 {
		if out, err := r.handleLine(tail); out != nil || err != nil {
			return out, err
		}
	}

	if r.req.NeedsConversion {
		for _, f := range r.conv.Finish() {
			r.store(f)
			if err := r.write(f); err != nil {
				return r.outcome(499, "client_disconnected", true), nil
			}
		}
		r.stats.Usage.MergeMax(r.conv.State().Usage)
	}
	if r.smoother != nil {
		r.smoother.FlushTail()
	}
	r.req.Sink.Flush()

	if r.dataChunks == 0 && !r.completed {
		return r.abortEmpty()
	}
	return r.outcome(0, "", false), nil
}

// connectionLost handles upstream read failures. The residual line buffer is
// flushed first: the final payload of a stream often arrives in the same TCP
// segment as the close.
func (r *run) connectionLost(cause error) (*Outcome, error) {
	if tail := r.splitter.Flush(); len(tail) > 0 {
		if out, err := r.handleLine(tail); out != nil || err != nil {
			return out, err
		}
	}
	if r.dataChunks == 0 {
		return nil, gwerrors.NewConnectionError(r.req.Provider, r.req.Model,
			fmt.Sprintf("upstream closed before any data: %v", cause)).WithCause(cause)
	}
	if r.completed {
		return r.outcome(0, "", false), nil
	}
	return r.synthesizeError("connection_error", fmt.Sprintf("upstream connection lost: %v", cause))
}

// abortEmpty cuts off a stream that produced framing but never data.
func (r *run) abortEmpty() (*Outcome, error) {
	if !r.forwarded {
		return nil, gwerrors.NewStreamProbeError(r.req.Provider, "empty_stream_timeout", 504)
	}
	return r.synthesizeError("empty_stream_timeout", "upstream sent no data chunks")
}

// synthesizeError ends a partially-forwarded stream with an explicit error
// event so the client does not mistake the cut for completion.
func (r *run) synthesizeError(errType, message string) (*Outcome, error) {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{"type": errType, "message": message},
	})
	if err := r.write(sseErrorFrame(payload)); err != nil {
		return r.outcome(499, "client_disconnected", true), nil
	}
	r.req.Sink.Flush()

	out := r.outcome(502, errType, false)
	return out, nil
}

func (r *run) embeddedMidStream(info *parser.ErrorInfo) (*Outcome, error) {
	code := info.Code
	if code == 0 {
		code = 500
	}
	if !r.forwarded {
		return nil, gwerrors.NewEmbeddedError(r.req.Provider, r.req.Model, info.Message, code)
	}
	return r.synthesizeError("upstream_error", info.Message)
}

// write pushes bytes to the client, routing text deltas through the
// smoother when enabled.
func (r *run) write(p []byte) error {
	var err error
	if r.smoother != nil {
		err = r.smoother.Write(p)
	} else {
		err = r.req.Sink.Write(p)
		r.req.Sink.Flush()
	}
	if err != nil {
		return err
	}
	if !r.forwarded {
		r.forwarded = true
		if r.req.OnFirstOutput != nil {
			r.req.OnFirstOutput()
		}
	}
	return nil
}

func (r *run) store(frame []byte) {
	if len(r.stored) >= r.cfg.MaxStoredResponse {
		return
	}
	room := r.cfg.MaxStoredResponse - len(r.stored)
	if len(frame) > room {
		frame = frame[:room]
	}
	r.stored = append(r.stored, frame...)
}

func (r *run) outcome(status int, errMsg string, disconnected bool) *Outcome {
	return &Outcome{
		Usage:              r.stats.Usage,
		Text:               r.stats.CollectedText(),
		Completed:          r.completed && status == 0,
		DataChunks:         r.dataChunks,
		ClientDisconnected: disconnected,
		StatusCode:         status,
		ErrorMessage:       errMsg,
		StoredResponse:     r.stored,
	}
}
