package streampipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/parser"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Prefetch limits. The prefetch window is deliberately small: it only has to
// see far enough into the stream to catch an error payload hiding behind a
// 200 before the attempt is committed.
const (
	DefaultMaxPrefetchLines = 8
	DefaultMaxPrefetchBytes = 16 * 1024
)

// Prefetched is the replay buffer handed back to the pipeline after the
// error sniff passed: the raw bytes already consumed from the upstream body.
type Prefetched struct {
	Raw []byte

	// FirstByteTimeMS is the time from prefetch start to the first byte
	// read, in milliseconds.
	FirstByteTimeMS int64

	// SawData reports whether any data payload was seen inside the window.
	SawData bool
}

// PrefetchConfig bounds the sniffing window.
type PrefetchConfig struct {
	MaxLines         int
	MaxBytes         int
	FirstByteTimeout time.Duration

	// Classify maps an embedded error payload found in the stream head to a
	// typed error, so a 200-wrapped 429 or 401 drives the same failover
	// feedback as its plain-HTTP counterpart. Nil surfaces payloads as plain
	// embedded errors.
	Classify func(provider, model string, info *parser.ErrorInfo) *gwerrors.GatewayError
}

func (c *PrefetchConfig) defaults() {
	if c.MaxLines <= 0 {
		c.MaxLines = DefaultMaxPrefetchLines
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxPrefetchBytes
	}
}

// Prefetch reads the head of an upstream stream while holding it open and
// decides whether the attempt should be committed. It returns a typed error
// for embedded error payloads, HTML bodies, and first-byte timeouts; the
// caller owns closing the body on error.
//
// upstreamFamily selects the parser used for embedded-error detection.
func Prefetch(ctx context.Context, body io.Reader, upstreamFamily types.APIFamily, provider, model string, cfg PrefetchConfig) (*Prefetched, error) {
	cfg.defaults()
	p := parser.ForFamily(upstreamFamily)

	type readResult struct {
		n   int
		err error
	}

	var (
		splitter lineSplitter
		raw      []byte
		sawData  bool
		firstMS  int64 = -1
		start          = time.Now()
		buf            = make([]byte, 2048)
		lines    int
	)

	readCtx := ctx
	if cfg.FirstByteTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, cfg.FirstByteTimeout)
		defer cancel()
	}

	for lines < cfg.MaxLines && len(raw) < cfg.MaxBytes {
		ch := make(chan readResult, 1)
		go func() {
			n, err := body.Read(buf)
			ch <- readResult{n, err}
		}()

		var rr readResult
		select {
		case rr = <-ch:
		case <-readCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, gwerrors.NewTimeoutError(provider, model,
				fmt.Sprintf("no upstream bytes within %s", cfg.FirstByteTimeout))
		}

		if rr.n > 0 {
			if firstMS < 0 {
				firstMS = time.Since(start).Milliseconds()
				if looksLikeHTML(buf[:rr.n]) {
					return nil, gwerrors.NewServiceUnavailableError(provider, model,
						"upstream returned HTML, endpoint base URL is likely wrong")
				}
			}
			chunk := buf[:rr.n]
			raw = append(raw, chunk...)
			for _, ln := range splitter.Feed(chunk) {
				lines++
				if err := sniffLine(p, ln, provider, model, cfg.Classify); err != nil {
					return nil, err
				}
				if parseLine(ln).isData() {
					sawData = true
				}
			}
		}

		if rr.err != nil {
			if errors.Is(rr.err, io.EOF) {
				if tail := splitter.Flush(); len(tail) > 0 {
					if err := sniffLine(p, tail, provider, model, cfg.Classify); err != nil {
						return nil, err
					}
					if parseLine(tail).isData() {
						sawData = true
					}
				}
				break
			}
			return nil, gwerrors.NewConnectionError(provider, model,
				fmt.Sprintf("read stream head: %v", rr.err)).WithCause(rr.err)
		}
	}

	if firstMS < 0 {
		firstMS = time.Since(start).Milliseconds()
	}
	return &Prefetched{Raw: raw, FirstByteTimeMS: firstMS, SawData: sawData}, nil
}

// sniffLine runs embedded-error detection on one prefetched line.
func sniffLine(p parser.Parser, ln []byte, provider, model string, classify func(string, string, *parser.ErrorInfo) *gwerrors.GatewayError) error {
	parsed := parseLine(ln)
	if !parsed.isData() || isDone(parsed.data) {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal(parsed.data, &payload); err != nil {
		return nil
	}
	ok, info := parser.CheckEmbeddedError(payload)
	if !ok && p.IsErrorPayload(payload) {
		ok, info = true, &parser.ErrorInfo{Message: string(parsed.data)}
	}
	if !ok {
		return nil
	}
	if info.Code == 0 {
		info.Code = 500
	}
	if classify != nil {
		return classify(provider, model, info)
	}
	return gwerrors.NewEmbeddedError(provider, model, info.Message, info.Code)
}
