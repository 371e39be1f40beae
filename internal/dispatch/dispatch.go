package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/failover"
	"github.com/blueberrycongee/llmgate/internal/format"
	"github.com/blueberrycongee/llmgate/internal/httputil"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/parser"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

const (
	// maxErrorBody caps upstream error bodies kept for classification.
	maxErrorBody = 4 * 1024

	defaultRequestTimeout = 5 * time.Minute
)

// SyncResponse is a completed non-streaming upstream exchange. Body is in the
// client's wire format; UpstreamBody is the raw upstream body kept for usage
// parsing.
type SyncResponse struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	UpstreamBody []byte
	Converted    bool
}

// StreamHandle is a live upstream stream, handed to the stream pipeline with
// the response body still open.
type StreamHandle struct {
	Resp      *http.Response
	Converted bool
	// FirstByteTimeMS is the time to response headers; the pipeline refines
	// it to first data chunk.
	FirstByteTimeMS int64
}

// Result is one attempt's upstream answer: exactly one of Sync or Stream.
type Result struct {
	Sync   *SyncResponse
	Stream *StreamHandle

	FirstByteTimeMS int64
}

// Dispatcher sends candidate requests upstream and converts the raw exchange
// into typed results and errors.
type Dispatcher struct {
	builder    *Builder
	transport  *Transport
	classifier *failover.Classifier
	logger     *observability.Logger

	defaultTimeout time.Duration

	now func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(transport *Transport, classifier *failover.Classifier, logger *observability.Logger) *Dispatcher {
	if transport == nil {
		transport = NewTransport(0)
	}
	if classifier == nil {
		classifier = failover.NewClassifier(nil)
	}
	return &Dispatcher{
		builder:        &Builder{},
		transport:      transport,
		classifier:     classifier,
		logger:         logger,
		defaultTimeout: defaultRequestTimeout,
		now:            time.Now,
	}
}

// Do sends one candidate attempt upstream. Streaming results are returned
// with the body open; the caller owns closing it.
func (d *Dispatcher) Do(ctx context.Context, in BuildInput) (*Result, error) {
	cand := in.Candidate
	env := EnvelopeFor(cand.Provider.ProviderType)

	in.UpstreamStream = in.IsStream
	if env != nil && env.ForceUpstreamStream() {
		in.UpstreamStream = true
	}

	built, err := d.builder.Build(ctx, in)
	if err != nil {
		return nil, err
	}
	if env != nil {
		wrapped, err := env.WrapRequest(built.Request, built.Body)
		if err != nil {
			return nil, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
				fmt.Sprintf("envelope wrap: %v", err))
		}
		built.SetBody(wrapped)
	}

	client, err := d.transport.Client(d.proxyFor(in))
	if err != nil {
		return nil, err
	}

	// Sync requests get an overall deadline; streams are bounded by the
	// header timeout here and by the pipeline's first-chunk probe after.
	sendCtx := ctx
	if !in.UpstreamStream {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeoutFor(in))
		defer cancel()
	}

	start := d.now()
	resp, err := client.Do(built.Request.WithContext(sendCtx))
	if err != nil {
		return nil, MapTransportError(err, cand.Provider.Name, cand.UpstreamModel)
	}
	firstByteMS := d.now().Sub(start).Milliseconds()
	StripHopByHop(resp.Header)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := httputil.ReadLimitedBody(resp.Body, maxErrorBody)
		return nil, d.classifier.Classify(cand.Provider.Name, cand.UpstreamModel,
			resp.StatusCode, string(body), ParseRetryAfter(resp.Header))
	}

	if in.UpstreamStream {
		return &Result{
			Stream: &StreamHandle{
				Resp:            resp,
				Converted:       built.Converted,
				FirstByteTimeMS: firstByteMS,
			},
			FirstByteTimeMS: firstByteMS,
		}, nil
	}

	defer resp.Body.Close()
	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil && !errors.Is(err, httputil.ErrResponseBodyTooLarge) {
		return nil, MapTransportError(err, cand.Provider.Name, cand.UpstreamModel)
	}

	if env != nil {
		if body, err = env.UnwrapResponse(body); err != nil {
			return nil, gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel,
				fmt.Sprintf("envelope unwrap: %v", err))
		}
	}

	if ge := d.embeddedError(cand.Provider.Name, cand.UpstreamModel, body); ge != nil {
		return nil, ge.WithBody(string(capDispatchBody(body)))
	}

	clientBody := body
	if built.Converted {
		if clientBody, err = d.convertSyncResponse(in, body); err != nil {
			return nil, err
		}
	}

	return &Result{
		Sync: &SyncResponse{
			StatusCode:   resp.StatusCode,
			Header:       resp.Header,
			Body:         clientBody,
			UpstreamBody: body,
			Converted:    built.Converted,
		},
		FirstByteTimeMS: firstByteMS,
	}, nil
}

// embeddedError detects error payloads hiding inside HTTP 200 bodies.
func (d *Dispatcher) embeddedError(provider, model string, body []byte) *gwerrors.GatewayError {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	if ok, info := parser.CheckEmbeddedError(payload); ok {
		return d.classifier.ClassifyEmbedded(provider, model, info)
	}
	return nil
}

func (d *Dispatcher) convertSyncResponse(in BuildInput, upstream []byte) ([]byte, error) {
	src := format.ForFamily(in.Candidate.Endpoint.Family)
	dst := format.ForFamily(in.ClientSig.Family)

	internal, err := src.ResponseToInternal(upstream)
	if err != nil {
		return nil, gwerrors.NewFormatConversionError(
			fmt.Sprintf("decode %s response: %v", in.Candidate.Endpoint.Signature(), err)).WithCause(err)
	}
	out, err := dst.ResponseFromInternal(internal)
	if err != nil {
		return nil, gwerrors.NewFormatConversionError(
			fmt.Sprintf("render %s response: %v", in.ClientSig, err)).WithCause(err)
	}
	return out, nil
}

// proxyFor resolves the effective proxy: per-key overrides per-provider.
func (d *Dispatcher) proxyFor(in BuildInput) string {
	if in.Candidate.Key.Proxy != "" {
		return in.Candidate.Key.Proxy
	}
	return in.Candidate.Provider.Proxy
}

func (d *Dispatcher) timeoutFor(in BuildInput) time.Duration {
	if t := in.Candidate.Endpoint.Timeout; t > 0 {
		return t
	}
	if t := in.Candidate.Provider.RequestTimeout; t > 0 {
		return t
	}
	return d.defaultTimeout
}

func capDispatchBody(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}
