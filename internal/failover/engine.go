package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmgate/internal/affinity"
	"github.com/blueberrycongee/llmgate/internal/health"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/rectify"
	"github.com/blueberrycongee/llmgate/internal/scheduling"
	"github.com/blueberrycongee/llmgate/internal/store"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// antigravityProviderType gets the stage-2 rectification fallback: its
// upstreams validate signatures across tool blocks, not just thinking blocks.
const antigravityProviderType = "antigravity"

// Config tunes the dispatch loop.
type Config struct {
	// MaxAttempts caps total attempts across all candidates.
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 10}
}

// Attempt is the per-try input handed to the attempt function. Body carries
// the current request body, which rectification may have rewritten since the
// previous try.
type Attempt struct {
	Candidate      *scheduling.Candidate
	CandidateIndex int
	RetryIndex     int

	Body         []byte
	RectifyStage int
}

// Outcome is what a successful attempt returns. Payload is opaque to the
// engine: a sync response, a live stream handle, or an async submit receipt.
// Body, when set, is the sync response body used for success-failover
// pattern matching.
type Outcome struct {
	Payload         any
	StatusCode      int
	Body            []byte
	FirstByteTimeMS int64
}

// AttemptFunc dispatches one candidate. Failures must be *errors.GatewayError
// so the engine can act on the error type.
type AttemptFunc func(ctx context.Context, att Attempt) (*Outcome, error)

// Result is the engine's output for a request that got an upstream answer.
type Result struct {
	Candidate      *scheduling.Candidate
	CandidateIndex int
	RetryIndex     int

	Outcome   *Outcome
	LatencyMS int64
}

// Input is one request's worth of work for the engine.
type Input struct {
	RequestID   string
	ClientSig   types.Signature
	AffinityKey string
	Stream      bool

	GlobalModelID string
	// Affinity is the caller's current binding, nil on a miss. Used both for
	// reserved-capacity admission and for invalidation on auth failures.
	Affinity *affinity.Entry

	Body       []byte
	Candidates []*scheduling.Candidate

	Attempt AttemptFunc
}

// Engine walks scheduled candidates until one answers or all are exhausted.
type Engine struct {
	cfg      Config
	usage    store.UsageStore
	monitor  *health.Monitor
	learner  *health.RPMLearner
	limiter  *ratelimit.Manager
	affinity *affinity.Manager
	logger   *observability.Logger
	tracer   trace.Tracer

	now func() time.Time
}

// NewEngine creates an Engine. monitor, learner, limiter, and aff may each be
// nil to disable the corresponding feedback path.
func NewEngine(cfg Config, usage store.UsageStore, monitor *health.Monitor, learner *health.RPMLearner, limiter *ratelimit.Manager, aff *affinity.Manager, logger *observability.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:      cfg,
		usage:    usage,
		monitor:  monitor,
		learner:  learner,
		limiter:  limiter,
		affinity: aff,
		logger:   logger,
		tracer:   otel.Tracer(observability.TracerName),
		now:      time.Now,
	}
}

func (e *Engine) warn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.RedactedWarn(msg, args...)
	}
}

// Execute runs the dispatch loop.
func (e *Engine) Execute(ctx context.Context, in Input) (*Result, error) {
	if len(in.Candidates) == 0 {
		return nil, gwerrors.NewServiceUnavailableError("", "", "no provider available for this request")
	}

	var (
		attempts     int
		rectifyStage int
		body         = in.Body
		lastErr      *gwerrors.GatewayError

		excludedKeys      = make(map[string]bool)
		excludedEndpoints = make(map[string]bool)
	)

candidates:
	for ci, cand := range in.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if excludedKeys[cand.Key.ID] || excludedEndpoints[cand.Endpoint.ID] {
			e.recordSkip(ctx, in.RequestID, ci, 0, cand, "excluded_after_earlier_failure")
			continue
		}

		maxRetries := 1
		for ri := 0; ri < maxRetries; ri++ {
			if attempts >= e.cfg.MaxAttempts {
				break candidates
			}
			attempts++

			if admitted := e.admit(ctx, in, cand); !admitted {
				e.recordSkip(ctx, in.RequestID, ci, ri, cand, "concurrency_limit")
				lastErr = gwerrors.NewConcurrencyLimitError(cand.Provider.Name,
					fmt.Sprintf("key %s is at its per-minute limit", cand.Key.ID))
				continue candidates
			}

			e.recordStart(ctx, in.RequestID, ci, ri, cand)
			start := e.now()
			spanCtx, span := observability.StartDispatchSpan(ctx, e.tracer, "gateway.dispatch",
				observability.DispatchSpanAttributes{
					Provider:       cand.Provider.Name,
					Model:          cand.UpstreamModel,
					Signature:      cand.Endpoint.Signature().String(),
					Stream:         in.Stream,
					CandidateIndex: ci,
					RetryIndex:     ri,
				})
			out, err := in.Attempt(spanCtx, Attempt{
				Candidate:      cand,
				CandidateIndex: ci,
				RetryIndex:     ri,
				Body:           body,
				RectifyStage:   rectifyStage,
			})
			latency := e.now().Sub(start).Milliseconds()
			if err != nil {
				observability.RecordError(span, err)
			} else {
				observability.RecordDispatchResult(span, out.StatusCode, out.FirstByteTimeMS)
			}
			span.End()

			if err == nil {
				if failed, pattern := successDemandsFailover(cand.Provider, out.Body); failed {
					e.recordFinish(ctx, in.RequestID, ci, ri, store.CandidateUpdate{
						State:        store.CandidateFailed,
						StatusCode:   out.StatusCode,
						ErrorType:    "success_failover_pattern",
						ErrorMessage: fmt.Sprintf("response matched failover pattern %q", pattern),
						LatencyMS:    latency,
					})
					lastErr = gwerrors.NewServiceUnavailableError(cand.Provider.Name, cand.UpstreamModel,
						"response matched a success-failover pattern").WithBody(string(capBytes(out.Body)))
					continue candidates
				}
				e.onSuccess(ctx, in, cand)
				e.recordFinish(ctx, in.RequestID, ci, ri, store.CandidateUpdate{
					State:           store.CandidateSuccess,
					StatusCode:      out.StatusCode,
					LatencyMS:       latency,
					FirstByteTimeMS: out.FirstByteTimeMS,
				})
				return &Result{
					Candidate:      cand,
					CandidateIndex: ci,
					RetryIndex:     ri,
					Outcome:        out,
					LatencyMS:      latency,
				}, nil
			}

			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				e.recordFinish(ctx, in.RequestID, ci, ri, store.CandidateUpdate{
					State:        store.CandidateCancelled,
					ErrorMessage: err.Error(),
					LatencyMS:    latency,
				})
				return nil, err
			}

			ge := asGatewayError(err, cand)
			lastErr = ge

			if errorStopsFailover(cand.Provider, ge.StatusCode, ge.UpstreamBody) {
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				return nil, ge
			}

			switch ge.Type {
			case gwerrors.TypeConcurrencyLimit, gwerrors.TypeQuotaExceeded:
				e.recordFinish(ctx, in.RequestID, ci, ri, store.CandidateUpdate{
					State:      store.CandidateSkipped,
					SkipReason: ge.Type,
					LatencyMS:  latency,
				})
				continue candidates

			case gwerrors.TypeThinkingSignature:
				next, rewritten, ok := e.rectifyBody(body, rectifyStage, cand)
				if ok {
					// The failed row carries the stage the retry will run
					// with, so the audit trail shows what was rewritten.
					e.recordRectified(ctx, in.RequestID, ci, ri, ge, latency, next)
					body = rewritten
					rectifyStage = next
					// One extra retry slot on the same candidate.
					maxRetries = ri + 2
					continue
				}
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				continue candidates

			case gwerrors.TypeRateLimit:
				e.on429(ctx, cand, ge)
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				continue candidates

			case gwerrors.TypeAuthentication:
				e.onAuthFailure(ctx, in, cand, ge)
				excludedKeys[cand.Key.ID] = true
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				continue candidates

			case gwerrors.TypeFormatConversion:
				excludedEndpoints[cand.Endpoint.ID] = true
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				continue candidates

			case gwerrors.TypeInvalidRequest, gwerrors.TypeEmbeddedError:
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				if !ge.Retryable {
					// The caller's request is at fault; no upstream can fix it.
					return nil, ge
				}
				e.reportFailure(ctx, cand, ge)
				continue candidates

			default:
				// Timeouts, connection errors, stream probes, 5xx, 404.
				e.reportFailure(ctx, cand, ge)
				e.recordFailure(ctx, in.RequestID, ci, ri, ge, latency, rectifyStage)
				continue candidates
			}
		}
	}

	final := gwerrors.NewServiceUnavailableError("", "", "all upstream candidates exhausted")
	if lastErr != nil {
		final.Message = fmt.Sprintf("all upstream candidates exhausted, last error: %s", lastErr.Message)
		final.Provider = lastErr.Provider
		final.Model = lastErr.Model
		final.WithBody(lastErr.UpstreamBody).WithCause(lastErr)
	}
	return nil, final
}

// admit checks the candidate key's per-minute budget. Counter trouble fails
// open; admission is shaping, not correctness.
func (e *Engine) admit(ctx context.Context, in Input, cand *scheduling.Candidate) bool {
	if e.limiter == nil {
		return true
	}
	cached := in.Affinity != nil && in.Affinity.KeyID == cand.Key.ID
	dec, err := e.limiter.Admit(ctx, cand.Key.ID, cand.EffectiveRPMLimit(), cached)
	if err != nil {
		e.warn("rpm admission check failed, admitting", "key_id", cand.Key.ID, "error", err)
		return true
	}
	if dec.Admitted && e.learner != nil {
		e.learner.Seed(cand.Key.ID, cand.Key.LearnedRPMLimit)
		e.learner.Record(ctx, cand.Key.ID)
	}
	return dec.Admitted
}

func (e *Engine) onSuccess(ctx context.Context, in Input, cand *scheduling.Candidate) {
	if e.monitor != nil {
		e.monitor.ReportSuccess(ctx, cand.Key.ID, cand.Signature())
	}
	if e.limiter != nil {
		e.limiter.RecordSuccess(cand.Key.ID)
	}
	if e.affinity != nil && in.AffinityKey != "" && cand.CacheTTL() > 0 {
		err := e.affinity.Record(ctx, in.AffinityKey, in.ClientSig, in.GlobalModelID, affinity.Entry{
			ProviderID:      cand.Provider.ID,
			EndpointID:      cand.Endpoint.ID,
			KeyID:           cand.Key.ID,
			SupportsCaching: true,
		}, time.Duration(cand.CacheTTL())*time.Minute)
		if err != nil {
			e.warn("affinity record failed", "affinity_key", in.AffinityKey, "error", err)
		}
	}
}

func (e *Engine) on429(ctx context.Context, cand *scheduling.Candidate, ge *gwerrors.GatewayError) {
	if e.learner != nil {
		e.learner.Seed(cand.Key.ID, cand.Key.LearnedRPMLimit)
		e.learner.On429(ctx, cand.Key.ID)
	}
	if e.limiter != nil {
		e.limiter.Record429(cand.Key.ID)
	}
	if e.monitor != nil {
		e.monitor.ReportFailure(ctx, cand.Key.ID, cand.Signature(), ge.StatusCode, ge.RetryAfter)
	}
}

func (e *Engine) onAuthFailure(ctx context.Context, in Input, cand *scheduling.Candidate, ge *gwerrors.GatewayError) {
	if e.affinity != nil && in.AffinityKey != "" {
		if err := e.affinity.Invalidate(ctx, in.AffinityKey, in.ClientSig, in.GlobalModelID); err != nil {
			e.warn("affinity invalidation failed", "affinity_key", in.AffinityKey, "error", err)
		}
	}
	e.reportFailure(ctx, cand, ge)
}

func (e *Engine) reportFailure(ctx context.Context, cand *scheduling.Candidate, ge *gwerrors.GatewayError) {
	if e.monitor == nil || !gwerrors.IsCooldownRequired(ge.StatusCode) {
		return
	}
	e.monitor.ReportFailure(ctx, cand.Key.ID, cand.Signature(), ge.StatusCode, ge.RetryAfter)
}

// rectifyBody advances the rectification ladder. Stage 1 strips thinking
// blocks and signatures; stage 2, reserved for antigravity providers,
// additionally degrades tool blocks. Returns the next stage, the rewritten
// body, and whether a retry on the same candidate is warranted.
func (e *Engine) rectifyBody(body []byte, stage int, cand *scheduling.Candidate) (int, []byte, bool) {
	if len(body) == 0 {
		return stage, nil, false
	}
	switch stage {
	case 0:
		out, modified, err := rectify.Rectify(body)
		if err != nil || !modified {
			return stage, nil, false
		}
		return 1, out, true
	case 1:
		if cand.Provider.ProviderType != antigravityProviderType {
			return stage, nil, false
		}
		out, modified, err := rectify.RectifyAggressive(body)
		if err != nil || !modified {
			return stage, nil, false
		}
		return 2, out, true
	default:
		return stage, nil, false
	}
}

// Candidate rows are audit, not control flow: write failures log and proceed.

func (e *Engine) recordStart(ctx context.Context, requestID string, ci, ri int, cand *scheduling.Candidate) {
	if e.usage == nil {
		return
	}
	err := e.usage.AppendCandidate(ctx, &store.CandidateRecord{
		RequestID:      requestID,
		CandidateIndex: ci,
		RetryIndex:     ri,
		ProviderID:     cand.Provider.ID,
		ProviderName:   cand.Provider.Name,
		EndpointID:     cand.Endpoint.ID,
		KeyID:          cand.Key.ID,
		State:          store.CandidateAvailable,
		StartedAt:      e.now(),
	})
	if err != nil {
		e.warn("append candidate row failed", "request_id", requestID, "error", err)
		return
	}
	err = e.usage.UpdateCandidate(ctx, requestID, ci, ri, store.CandidateUpdate{State: store.CandidatePending})
	if err != nil {
		e.warn("update candidate row failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) recordSkip(ctx context.Context, requestID string, ci, ri int, cand *scheduling.Candidate, reason string) {
	if e.usage == nil {
		return
	}
	err := e.usage.AppendCandidate(ctx, &store.CandidateRecord{
		RequestID:      requestID,
		CandidateIndex: ci,
		RetryIndex:     ri,
		ProviderID:     cand.Provider.ID,
		ProviderName:   cand.Provider.Name,
		EndpointID:     cand.Endpoint.ID,
		KeyID:          cand.Key.ID,
		State:          store.CandidateSkipped,
		SkipReason:     reason,
		StartedAt:      e.now(),
	})
	if err != nil {
		e.warn("append candidate row failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) recordFinish(ctx context.Context, requestID string, ci, ri int, upd store.CandidateUpdate) {
	if e.usage == nil {
		return
	}
	if err := e.usage.UpdateCandidate(ctx, requestID, ci, ri, upd); err != nil {
		e.warn("update candidate row failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) recordFailure(ctx context.Context, requestID string, ci, ri int, ge *gwerrors.GatewayError, latency int64, rectifyStage int) {
	upd := store.CandidateUpdate{
		State:        store.CandidateFailed,
		StatusCode:   ge.StatusCode,
		ErrorType:    ge.Type,
		ErrorMessage: ge.Message,
		LatencyMS:    latency,
	}
	if rectifyStage > 0 {
		if extra, err := json.Marshal(map[string]int{"rectify_stage": rectifyStage}); err == nil {
			upd.Extra = extra
		}
	}
	e.recordFinish(ctx, requestID, ci, ri, upd)
}

// recordRectified writes a failed row whose Extra marks the rectification
// that the upcoming retry will use.
func (e *Engine) recordRectified(ctx context.Context, requestID string, ci, ri int, ge *gwerrors.GatewayError, latency int64, nextStage int) {
	upd := store.CandidateUpdate{
		State:        store.CandidateFailed,
		StatusCode:   ge.StatusCode,
		ErrorType:    ge.Type,
		ErrorMessage: ge.Message,
		LatencyMS:    latency,
	}
	if extra, err := json.Marshal(map[string]any{"rectified": true, "rectify_stage": nextStage}); err == nil {
		upd.Extra = extra
	}
	e.recordFinish(ctx, requestID, ci, ri, upd)
}

func asGatewayError(err error, cand *scheduling.Candidate) *gwerrors.GatewayError {
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return gwerrors.NewInternalError(cand.Provider.Name, cand.UpstreamModel, err.Error()).WithCause(err)
}

func capBytes(b []byte) []byte {
	if len(b) > maxClassifyBody {
		return b[:maxClassifyBody]
	}
	return b
}
