package llmgate

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/llmgate/internal/affinity"
	"github.com/blueberrycongee/llmgate/internal/billing"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/dispatch"
	"github.com/blueberrycongee/llmgate/internal/failover"
	"github.com/blueberrycongee/llmgate/internal/health"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/parser"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/scheduling"
	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/internal/streampipe"
	"github.com/blueberrycongee/llmgate/internal/usage"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Request is one caller request, already authenticated by the ingress layer.
// Body is the raw JSON in the caller's wire format.
type Request struct {
	// RequestID is generated when empty.
	RequestID string

	ClientSig    types.Signature
	Model        string
	Caller       store.CallerIdentity
	Capabilities []string

	Headers http.Header
	Body    []byte
}

// Response is a completed non-streaming exchange. Body is in the caller's
// wire format regardless of which upstream family served it.
type Response struct {
	RequestID string

	StatusCode int
	Header     http.Header
	Body       []byte

	Provider  string
	Model     string
	Converted bool

	Usage types.TokenUsage

	FirstByteTimeMS int64
	LatencyMS       int64
}

// StreamOptions carries the client-side plumbing for one streaming request.
type StreamOptions struct {
	// Sink receives the client-bound SSE bytes.
	Sink Sink

	// IsDisconnected reports client liveness; nil disables the watcher.
	IsDisconnected func() bool

	// OnFirstOutput fires once, before the first client-bound bytes.
	// Ingress handlers use it to commit response headers.
	OnFirstOutput func()
}

// StreamResult summarizes a finished stream for the ingress handler. The
// bytes themselves already went through the Sink.
type StreamResult struct {
	RequestID string

	Provider  string
	Model     string
	Converted bool

	Usage      types.TokenUsage
	Completed  bool
	DataChunks int

	ClientDisconnected bool
	StatusCode         int
	ErrorMessage       string

	FirstByteTimeMS int64
	LatencyMS       int64
}

// Gateway is the dispatch core: candidate selection, failover, streaming,
// and usage accounting behind one entry point.
type Gateway struct {
	cfg *config.Config

	logger   *observability.Logger
	redactor *observability.Redactor

	providers  store.ProviderStore
	usageStore store.UsageStore

	usage      *usage.Service
	calc       *pricing.Calculator
	monitor    *health.Monitor
	learner    *health.RPMLearner
	limiter    *ratelimit.Manager
	affinity   *affinity.Manager
	builder    *scheduling.Builder
	classifier *failover.Classifier
	scheduler  *scheduling.Scheduler
	engine     *failover.Engine
	dispatcher *dispatch.Dispatcher
	pipeline   *streampipe.Pipeline
	transport  *dispatch.Transport

	tasks        *billing.Tasks
	billingRules map[string]*billing.Rule
	videoRoutes  sync.Map // task ID -> *scheduling.Candidate

	now func() time.Time
}

// New creates a Gateway from options. A provider store is required;
// everything else has a working default.
func New(opts ...Option) (*Gateway, error) {
	gc := defaultGatewayConfig()
	for _, opt := range opts {
		opt(gc)
	}
	if gc.Providers == nil {
		return nil, fmt.Errorf("llmgate: a provider store is required")
	}
	cfg := gc.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redactor := gc.Redactor
	if redactor == nil {
		redactor = observability.NewRedactor()
	}
	logger := gc.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{JSONFormat: true}, redactor)
	}

	transport := gc.Transport
	if transport == nil {
		transport = dispatch.NewTransport(cfg.Stream.FirstByteTimeout)
	}

	monitor := health.NewMonitor(gc.HealthConfig, gc.Redis, logger)
	learner := health.NewRPMLearner(gc.RPMLearnerConfig, gc.Providers, logger)

	var counter ratelimit.Counter
	if gc.Redis != nil {
		counter = ratelimit.NewRedisCounter(gc.Redis)
	} else {
		counter = ratelimit.NewMemoryCounter()
	}
	limiter := ratelimit.NewManager(counter, ratelimit.NewReservationManager(gc.ReservationConfig), logger)

	aff := affinity.NewManager(affinity.DefaultConfig(), gc.Redis, logger)

	var calc *pricing.Calculator
	if len(gc.Pricing) > 0 {
		calc = pricing.NewCalculator(gc.Pricing)
	}

	var usageSvc *usage.Service
	if gc.Usage != nil {
		usageSvc = usage.NewService(usage.Config{
			LogLevel:             cfg.Capture.RequestLogLevel,
			MaxRequestBodyBytes:  cfg.Capture.MaxRequestBodySize,
			MaxResponseBodyBytes: cfg.Capture.MaxResponseBodySize,
			SensitiveHeaders:     cfg.Capture.SensitiveHeaders,
			SweepInterval:        time.Minute,
			PendingTimeout:       30 * time.Minute,
		}, gc.Usage, calc, redactor, logger)
	}

	classifier := failover.NewClassifier(cfg.Scheduler.ClientErrorSubstrings)

	g := &Gateway{
		cfg:        cfg,
		logger:     logger,
		redactor:   redactor,
		providers:  gc.Providers,
		usageStore: gc.Usage,
		usage:      usageSvc,
		calc:       calc,
		monitor:    monitor,
		learner:    learner,
		limiter:    limiter,
		affinity:   aff,
		builder:    scheduling.NewBuilder(gc.Providers, monitor, logger),
		classifier: classifier,
		scheduler: scheduling.NewScheduler(
			scheduling.Mode(cfg.Scheduler.SchedulingMode),
			scheduling.PriorityMode(cfg.Scheduler.PriorityMode),
		),
		engine: failover.NewEngine(failover.Config{MaxAttempts: cfg.Scheduler.MaxAttempts},
			gc.Usage, monitor, learner, limiter, aff, logger),
		dispatcher: dispatch.NewDispatcher(transport, classifier, logger),
		pipeline: streampipe.New(streampipe.Config{
			DataTimeout:         cfg.Stream.DataTimeout,
			EmptyChunkThreshold: cfg.Stream.EmptyChunkThreshold,
			MaxStoredResponse:   cfg.Capture.MaxResponseBodySize,
			Smoothing: streampipe.SmoothingConfig{
				Enabled:   cfg.Stream.SmoothingEnabled,
				ChunkSize: cfg.Stream.SmoothingChunkSize,
				Delay:     cfg.Stream.SmoothingDelay,
			},
		}, logger),
		transport: transport,
		tasks: billing.NewTasks(billing.Config{
			RequireRule:  cfg.Billing.RequireRule,
			StrictMode:   cfg.Billing.StrictMode,
			PollInterval: cfg.Video.PollInterval,
			MaxPollCount: cfg.Video.MaxPollCount,
		}, logger),
		billingRules: gc.BillingRules,
		now:          time.Now,
	}
	return g, nil
}

// Run starts the gateway's background jobs (the stale-usage sweeper) and
// blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	if g.usage != nil {
		eg.Go(func() error {
			return g.usage.RunSweeper(ctx)
		})
	}
	return eg.Wait()
}

// Close releases pooled upstream connections.
func (g *Gateway) Close() {
	g.transport.CloseIdle()
}

// Complete serves a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, _, err := g.complete(ctx, req)
	return resp, err
}

// complete is Complete plus the winning candidate, which the video surface
// needs for operation polling.
func (g *Gateway) complete(ctx context.Context, req *Request) (*Response, *scheduling.Candidate, error) {
	start := g.now()
	ctx, prep, err := g.prepare(ctx, req, false)
	if err != nil {
		g.finalizeError(ctx, req, prep, err, start)
		return nil, nil, err
	}

	res, err := g.engine.Execute(ctx, failover.Input{
		RequestID:     req.RequestID,
		ClientSig:     req.ClientSig,
		AffinityKey:   req.Caller.AffinityKey,
		GlobalModelID: prep.built.GlobalModel.ID,
		Affinity:      prep.aff,
		Body:          req.Body,
		Candidates:    prep.candidates,
		Attempt:       g.syncAttempt(req),
	})
	if err != nil {
		g.finalizeError(ctx, req, prep, err, start)
		return nil, nil, err
	}

	sync, ok := res.Outcome.Payload.(*dispatch.SyncResponse)
	if !ok {
		return nil, nil, gwerrors.NewInternalError("", req.Model, "unexpected attempt payload")
	}

	u := g.parseSyncUsage(res.Candidate, sync)
	latency := g.now().Sub(start).Milliseconds()
	g.finalizeSuccess(ctx, req, prep, res.Candidate, u, finalizeInfo{
		statusCode:   sync.StatusCode,
		latencyMS:    latency,
		firstByteMS:  res.Outcome.FirstByteTimeMS,
		responseBody: sync.UpstreamBody,
	})

	return &Response{
		RequestID:       req.RequestID,
		StatusCode:      sync.StatusCode,
		Header:          sync.Header,
		Body:            sync.Body,
		Provider:        res.Candidate.Provider.Name,
		Model:           res.Candidate.UpstreamModel,
		Converted:       sync.Converted,
		Usage:           u,
		FirstByteTimeMS: res.Outcome.FirstByteTimeMS,
		LatencyMS:       latency,
	}, res.Candidate, nil
}

// Stream serves a streaming request, writing SSE bytes to opts.Sink. A nil
// error with an unsuccessful StreamResult means bytes were already on the
// client wire when the stream failed; the result carries the status.
func (g *Gateway) Stream(ctx context.Context, req *Request, opts StreamOptions) (*StreamResult, error) {
	if opts.Sink == nil {
		return nil, gwerrors.NewInvalidRequestError("", req.Model, "stream requests need a sink")
	}
	start := g.now()
	ctx, prep, err := g.prepare(ctx, req, true)
	if err != nil {
		g.finalizeError(ctx, req, prep, err, start)
		return nil, err
	}

	var st streamState
	res, err := g.engine.Execute(ctx, failover.Input{
		RequestID:     req.RequestID,
		ClientSig:     req.ClientSig,
		AffinityKey:   req.Caller.AffinityKey,
		Stream:        true,
		GlobalModelID: prep.built.GlobalModel.ID,
		Affinity:      prep.aff,
		Body:          req.Body,
		Candidates:    prep.candidates,
		Attempt:       g.streamAttempt(req, opts, &st),
	})
	latency := g.now().Sub(start).Milliseconds()

	if err != nil {
		if st.out != nil {
			// The committed stream died after cancellation; bill what it
			// produced.
			g.finalizeStreamOutcome(ctx, req, prep, st.cand, st.out, latency, st.ttfb)
			return streamResult(req.RequestID, st.cand, st.out, latency, st.ttfb), err
		}
		g.finalizeError(ctx, req, prep, err, start)
		return nil, err
	}

	out, ok := res.Outcome.Payload.(*streampipe.Outcome)
	if !ok {
		return nil, gwerrors.NewInternalError("", req.Model, "unexpected attempt payload")
	}
	g.finalizeStreamOutcome(ctx, req, prep, res.Candidate, out, latency, res.Outcome.FirstByteTimeMS)
	return streamResult(req.RequestID, res.Candidate, out, latency, res.Outcome.FirstByteTimeMS), nil
}

// prepared is the shared admission state of one request.
type prepared struct {
	built      *scheduling.BuildResult
	candidates []*scheduling.Candidate
	aff        *affinity.Entry
}

func (g *Gateway) prepare(ctx context.Context, req *Request, isStream bool) (context.Context, *prepared, error) {
	if req.RequestID == "" {
		req.RequestID = observability.GenerateRequestID()
	}
	ctx = observability.ContextWithRequestID(ctx, req.RequestID)

	if g.usage != nil {
		err := g.usage.CreatePending(ctx, usage.Pending{
			RequestID: req.RequestID,
			Caller:    req.Caller,
			ClientSig: req.ClientSig,
			Model:     req.Model,
			IsStream:  isStream,
			Headers:   req.Headers,
			Body:      req.Body,
		})
		if err != nil {
			if stderrors.Is(err, store.ErrDuplicateRequest) {
				return ctx, nil, gwerrors.NewInvalidRequestError("", req.Model,
					fmt.Sprintf("request %s was already submitted", req.RequestID)).WithCause(err)
			}
			return ctx, nil, gwerrors.NewInternalError("", req.Model,
				fmt.Sprintf("create usage row: %v", err)).WithCause(err)
		}
	}

	built, err := g.builder.Build(ctx, scheduling.BuildInput{
		ClientSig:         req.ClientSig,
		ModelName:         req.Model,
		Caller:            req.Caller,
		Capabilities:      req.Capabilities,
		IsStream:          isStream,
		ConversionEnabled: g.cfg.Scheduler.FormatConversionEnabled,
	})
	if err != nil {
		return ctx, nil, err
	}

	var aff *affinity.Entry
	if req.Caller.AffinityKey != "" {
		if e, ok := g.affinity.Lookup(ctx, req.Caller.AffinityKey, req.ClientSig, built.GlobalModel.ID); ok {
			aff = e
		}
	}

	cands := g.scheduler.Schedule(built.Candidates, req.ClientSig, req.Caller.AffinityKey, aff)
	return ctx, &prepared{built: built, candidates: cands, aff: aff}, nil
}

func (g *Gateway) syncAttempt(req *Request) failover.AttemptFunc {
	return func(ctx context.Context, att failover.Attempt) (*failover.Outcome, error) {
		r, err := g.dispatcher.Do(ctx, dispatch.BuildInput{
			Candidate: att.Candidate,
			ClientSig: req.ClientSig,
			Body:      att.Body,
			IsStream:  false,
		})
		if err != nil {
			g.recordAttemptError(att.Candidate, err)
			return nil, err
		}
		metrics.RecordAttempt(att.Candidate.Provider.Name, "success")
		return &failover.Outcome{
			Payload:         r.Sync,
			StatusCode:      r.Sync.StatusCode,
			Body:            r.Sync.UpstreamBody,
			FirstByteTimeMS: r.FirstByteTimeMS,
		}, nil
	}
}

// streamState stashes the committed stream's route and outcome so the
// gateway can bill partial output even when the engine surfaces an error.
type streamState struct {
	cand *scheduling.Candidate
	out  *streampipe.Outcome
	ttfb int64
}

func (g *Gateway) streamAttempt(req *Request, opts StreamOptions, st *streamState) failover.AttemptFunc {
	return func(ctx context.Context, att failover.Attempt) (*failover.Outcome, error) {
		cand := att.Candidate
		r, err := g.dispatcher.Do(ctx, dispatch.BuildInput{
			Candidate: cand,
			ClientSig: req.ClientSig,
			Body:      att.Body,
			IsStream:  true,
		})
		if err != nil {
			g.recordAttemptError(cand, err)
			return nil, err
		}
		handle := r.Stream

		pf, err := streampipe.Prefetch(ctx, handle.Resp.Body, cand.Endpoint.Family,
			cand.Provider.Name, cand.UpstreamModel, streampipe.PrefetchConfig{
				MaxLines:         g.cfg.Stream.PrefetchLines,
				MaxBytes:         g.cfg.Stream.MaxPrefetchBytes,
				FirstByteTimeout: g.firstByteTimeout(cand),
				Classify:         g.classifier.ClassifyEmbedded,
			})
		if err != nil {
			handle.Resp.Body.Close()
			g.recordAttemptError(cand, err)
			return nil, err
		}

		// The attempt is committed: the error sniff passed and the stream
		// will be forwarded by this candidate or not at all.
		st.cand = cand
		st.ttfb = pf.FirstByteTimeMS
		metrics.RecordAttempt(cand.Provider.Name, "success")
		metrics.RecordFirstByte(cand.UpstreamModel, cand.Provider.Name,
			time.Duration(pf.FirstByteTimeMS)*time.Millisecond)
		if g.usage != nil {
			g.usage.MarkStreaming(ctx, req.RequestID, store.StatusUpdate{
				ProviderID:          cand.Provider.ID,
				EndpointID:          cand.Endpoint.ID,
				KeyID:               cand.Key.ID,
				APIFormat:           req.ClientSig.String(),
				HasFormatConversion: handle.Converted,
				FirstByteTimeMS:     pf.FirstByteTimeMS,
			})
		}

		out, err := g.pipeline.Run(ctx, &streampipe.Request{
			Provider:        cand.Provider.Name,
			Model:           cand.UpstreamModel,
			ClientFamily:    req.ClientSig.Family,
			UpstreamFamily:  cand.Endpoint.Family,
			NeedsConversion: handle.Converted,
			Prefetched:      pf,
			Body:            handle.Resp.Body,
			Sink:            opts.Sink,
			IsDisconnected:  opts.IsDisconnected,
			OnFirstOutput:   opts.OnFirstOutput,
		})
		if out != nil {
			st.out = out
		}
		if err != nil {
			g.recordAttemptError(cand, err)
			return nil, err
		}

		status := out.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		return &failover.Outcome{
			Payload:         out,
			StatusCode:      status,
			FirstByteTimeMS: pf.FirstByteTimeMS,
		}, nil
	}
}

func (g *Gateway) recordAttemptError(cand *scheduling.Candidate, err error) {
	var ge *gwerrors.GatewayError
	if stderrors.As(err, &ge) {
		metrics.RecordFailover(cand.Provider.Name, ge.Type)
		return
	}
	metrics.RecordAttempt(cand.Provider.Name, "retry")
}

// firstByteTimeout resolves the TTFB bound: per-provider override first.
func (g *Gateway) firstByteTimeout(cand *scheduling.Candidate) time.Duration {
	if t := cand.Provider.StreamFirstByteTimeout; t > 0 {
		return t
	}
	return g.cfg.Stream.FirstByteTimeout
}

type finalizeInfo struct {
	statusCode   int
	latencyMS    int64
	firstByteMS  int64
	responseBody []byte
}

func (g *Gateway) finalizeSuccess(ctx context.Context, req *Request, prep *prepared, cand *scheduling.Candidate, u types.TokenUsage, info finalizeInfo) {
	metrics.RecordRequest(req.Model, cand.Provider.Name, info.statusCode,
		time.Duration(info.latencyMS)*time.Millisecond)
	metrics.RecordTokens(req.Model, cand.Provider.Name,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTotal())
	metrics.RecordReservation(cand.Key.ID, "admitted", g.limiter.Ratio(cand.Key.ID))

	if err := g.providers.IncrementGlobalModelUsage(ctx, prep.built.GlobalModel.ID); err != nil {
		g.logger.RedactedWarn("increment model usage failed", "model", prep.built.GlobalModel.Name, "error", err)
	}
	if g.usage == nil {
		return
	}

	g.usage.AttachRoute(ctx, req.RequestID, store.StatusUpdate{
		ProviderID:          cand.Provider.ID,
		EndpointID:          cand.Endpoint.ID,
		KeyID:               cand.Key.ID,
		APIFormat:           req.ClientSig.String(),
		HasFormatConversion: cand.NeedsConversion,
		FirstByteTimeMS:     info.firstByteMS,
	})
	g.usage.RecordSuccess(ctx, req.RequestID, usage.Final{
		ProviderID:      cand.Provider.ID,
		EndpointID:      cand.Endpoint.ID,
		KeyID:           cand.Key.ID,
		UpstreamSig:     cand.Signature().String(),
		HasConversion:   cand.NeedsConversion,
		Model:           prep.built.GlobalModel.Name,
		RateMultiplier:  cand.Key.RateMultiplier(cand.Signature()),
		FreeTier:        cand.Provider.BillingType == store.BillingFreeTier,
		Usage:           u,
		StatusCode:      info.statusCode,
		ResponseTimeMS:  info.latencyMS,
		FirstByteTimeMS: info.firstByteMS,
		ResponseBody:    info.responseBody,
		Metadata:        g.metadata(ctx, req.RequestID),
	})
}

// finalizeStreamOutcome turns a pipeline outcome into the terminal usage
// row: completed, cancelled, or failed with partial billing.
func (g *Gateway) finalizeStreamOutcome(ctx context.Context, req *Request, prep *prepared, cand *scheduling.Candidate, out *streampipe.Outcome, latencyMS, ttfbMS int64) {
	status := out.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	metrics.RecordRequest(req.Model, cand.Provider.Name, status,
		time.Duration(latencyMS)*time.Millisecond)
	metrics.RecordTokens(req.Model, cand.Provider.Name,
		out.Usage.InputTokens, out.Usage.OutputTokens,
		out.Usage.CacheReadTokens, out.Usage.CacheCreationTotal())
	if out.ErrorMessage != "" && !out.ClientDisconnected {
		metrics.RecordStreamAbort(cand.Provider.Name, out.ErrorMessage)
	}

	if out.Completed {
		if err := g.providers.IncrementGlobalModelUsage(ctx, prep.built.GlobalModel.ID); err != nil {
			g.logger.RedactedWarn("increment model usage failed", "model", prep.built.GlobalModel.Name, "error", err)
		}
	}
	if g.usage == nil {
		return
	}

	fin := usage.Final{
		ProviderID:      cand.Provider.ID,
		EndpointID:      cand.Endpoint.ID,
		KeyID:           cand.Key.ID,
		UpstreamSig:     cand.Signature().String(),
		HasConversion:   cand.NeedsConversion,
		Model:           prep.built.GlobalModel.Name,
		RateMultiplier:  cand.Key.RateMultiplier(cand.Signature()),
		FreeTier:        cand.Provider.BillingType == store.BillingFreeTier,
		Usage:           out.Usage,
		CollectedText:   out.Text,
		RequestBody:     req.Body,
		StatusCode:      status,
		ErrorMessage:    out.ErrorMessage,
		ResponseTimeMS:  latencyMS,
		FirstByteTimeMS: ttfbMS,
		ResponseBody:    out.StoredResponse,
		Metadata:        g.metadata(ctx, req.RequestID),
	}
	switch {
	case out.ClientDisconnected:
		g.usage.RecordCancelled(ctx, req.RequestID, fin)
	case out.Completed:
		fin.StatusCode = http.StatusOK
		g.usage.RecordSuccess(ctx, req.RequestID, fin)
	default:
		g.usage.RecordFailure(ctx, req.RequestID, fin)
	}
}

// finalizeError lands the terminal row for a request that never produced a
// client-visible answer.
func (g *Gateway) finalizeError(ctx context.Context, req *Request, prep *prepared, err error, start time.Time) {
	latency := g.now().Sub(start).Milliseconds()

	status := http.StatusInternalServerError
	msg := err.Error()
	provider := ""
	var ge *gwerrors.GatewayError
	if stderrors.As(err, &ge) {
		status = ge.HTTPStatusCode()
		msg = ge.Message
		provider = ge.Provider
	}
	cancelled := stderrors.Is(err, context.Canceled)
	if cancelled {
		status = 499
		msg = "request cancelled"
	}
	metrics.RecordRequest(req.Model, provider, status, time.Duration(latency)*time.Millisecond)

	// A duplicate submission must not touch the original request's row.
	if g.usage == nil || stderrors.Is(err, store.ErrDuplicateRequest) {
		return
	}
	fin := usage.Final{
		Model:          modelName(req, prep),
		StatusCode:     status,
		ErrorMessage:   msg,
		ResponseTimeMS: latency,
		Metadata:       g.metadata(ctx, req.RequestID),
	}
	if cancelled {
		g.usage.RecordCancelled(context.WithoutCancel(ctx), req.RequestID, fin)
		return
	}
	g.usage.RecordFailure(ctx, req.RequestID, fin)
}

func modelName(req *Request, prep *prepared) string {
	if prep != nil && prep.built != nil && prep.built.GlobalModel != nil {
		return prep.built.GlobalModel.Name
	}
	return req.Model
}

// parseSyncUsage extracts token usage from the raw upstream body in the
// upstream's own format.
func (g *Gateway) parseSyncUsage(cand *scheduling.Candidate, sync *dispatch.SyncResponse) types.TokenUsage {
	var payload map[string]any
	if err := json.Unmarshal(sync.UpstreamBody, &payload); err != nil {
		return types.TokenUsage{}
	}
	p := parser.ForFamily(cand.Endpoint.Family)
	resp := p.ParseResponse(payload, sync.StatusCode)
	if resp == nil {
		return types.TokenUsage{}
	}
	return resp.Usage
}

// metadata assembles the candidate trail for the usage row's audit blob.
func (g *Gateway) metadata(ctx context.Context, requestID string) *usage.Metadata {
	if g.usageStore == nil {
		return nil
	}
	rows, err := g.usageStore.ListCandidates(ctx, requestID)
	if err != nil || len(rows) == 0 {
		return nil
	}
	trail := make([]usage.CandidateTrailEntry, 0, len(rows))
	for _, r := range rows {
		trail = append(trail, usage.CandidateTrailEntry{
			Index:      r.CandidateIndex,
			Retry:      r.RetryIndex,
			ProviderID: r.ProviderID,
			KeyID:      r.KeyID,
			State:      string(r.State),
			StatusCode: r.StatusCode,
			Error:      r.ErrorMessage,
		})
	}
	return &usage.Metadata{CandidateTrail: trail}
}

func streamResult(requestID string, cand *scheduling.Candidate, out *streampipe.Outcome, latencyMS, ttfbMS int64) *StreamResult {
	res := &StreamResult{
		RequestID:          requestID,
		Usage:              out.Usage,
		Completed:          out.Completed,
		DataChunks:         out.DataChunks,
		ClientDisconnected: out.ClientDisconnected,
		StatusCode:         out.StatusCode,
		ErrorMessage:       out.ErrorMessage,
		FirstByteTimeMS:    ttfbMS,
		LatencyMS:          latencyMS,
	}
	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}
	if cand != nil {
		res.Provider = cand.Provider.Name
		res.Model = cand.UpstreamModel
		res.Converted = cand.NeedsConversion
	}
	return res
}
