// Package usage owns the billing lifecycle of a request: the pending row at
// admission, the streaming transition at first byte, and exactly one
// terminal record no matter how many candidates were tried or how the stream
// ended.
package usage

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/store"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Request log levels.
const (
	LogBasic   = "basic"
	LogHeaders = "headers"
	LogFull    = "full"
)

// Config tunes payload capture and the stale-row sweeper.
type Config struct {
	// LogLevel is one of basic, headers, full.
	LogLevel string

	MaxRequestBodyBytes  int
	MaxResponseBodyBytes int

	// SensitiveHeaders are dropped from captured headers on top of the
	// redactor's built-ins.
	SensitiveHeaders []string

	SweepInterval  time.Duration
	PendingTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:             LogBasic,
		MaxRequestBodyBytes:  64 * 1024,
		MaxResponseBodyBytes: 256 * 1024,
		SensitiveHeaders:     []string{"authorization", "x-api-key", "x-goog-api-key", "cookie"},
		SweepInterval:        time.Minute,
		PendingTimeout:       30 * time.Minute,
	}
}

// Service is the telemetry writer.
type Service struct {
	cfg      Config
	store    store.UsageStore
	calc     *pricing.Calculator
	redactor *observability.Redactor
	logger   *observability.Logger

	now func() time.Time
}

// NewService creates a Service. calc may be nil to disable pricing;
// redactor may be nil to skip header scrubbing beyond the sensitive list.
func NewService(cfg Config, us store.UsageStore, calc *pricing.Calculator, redactor *observability.Redactor, logger *observability.Logger) *Service {
	if cfg.LogLevel == "" {
		cfg = DefaultConfig()
	}
	return &Service{
		cfg:      cfg,
		store:    us,
		calc:     calc,
		redactor: redactor,
		logger:   logger,
		now:      time.Now,
	}
}

// Pending is the admission-time snapshot of a request.
type Pending struct {
	RequestID string
	Caller    store.CallerIdentity
	ClientSig types.Signature
	Model     string
	IsStream  bool

	Headers http.Header
	Body    []byte
}

// CreatePending inserts the request's row before any candidate is tried.
// The provider columns stay empty until dispatch resolves a route.
func (s *Service) CreatePending(ctx context.Context, p Pending) error {
	rec := &store.UsageRecord{
		RequestID: p.RequestID,
		UserID:    p.Caller.UserID,
		APIKeyID:  p.Caller.APIKeyID,
		APIFormat: p.ClientSig.String(),
		Model:     p.Model,
		IsStream:  p.IsStream,
		Status:    store.UsagePending,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if s.cfg.LogLevel == LogHeaders || s.cfg.LogLevel == LogFull {
		rec.RequestHeaders = s.captureHeaders(p.Headers)
	}
	if s.cfg.LogLevel == LogFull {
		rec.RequestBody = capRaw(p.Body, s.cfg.MaxRequestBodyBytes)
	}
	return s.store.CreatePending(ctx, rec)
}

// MarkStreaming moves the row to streaming with the resolved route and TTFB.
// Failures are logged, never propagated: a telemetry hiccup must not abort a
// live stream.
func (s *Service) MarkStreaming(ctx context.Context, requestID string, upd store.StatusUpdate) {
	upd.Status = store.UsageStreaming
	if err := s.store.UpdateStatus(ctx, requestID, upd); err != nil {
		s.warn("mark streaming failed", "request_id", requestID, "error", err)
		// Background fallback: the row may be locked by a concurrent
		// update; retry once detached from the request's deadline.
		go func() {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.store.UpdateStatus(bg, requestID, upd); err != nil {
				s.warn("background streaming update failed", "request_id", requestID, "error", err)
			}
		}()
	}
}

// AttachRoute writes the resolved route onto a still-pending row. Sync
// requests never pass through the streaming state, so this is their only
// chance to land provider columns before finalization.
func (s *Service) AttachRoute(ctx context.Context, requestID string, upd store.StatusUpdate) {
	if upd.Status == "" {
		upd.Status = store.UsagePending
	}
	if err := s.store.UpdateStatus(ctx, requestID, upd); err != nil {
		s.warn("attach route failed", "request_id", requestID, "error", err)
	}
}

// Final carries everything a terminal transition needs.
type Final struct {
	// Route, when an attempt got far enough to resolve one.
	ProviderID    string
	EndpointID    string
	KeyID         string
	UpstreamSig   string
	HasConversion bool

	Model          string
	RateMultiplier float64
	FreeTier       bool

	Usage     types.TokenUsage
	Completed bool

	// CollectedText backs token estimation when the stream died without a
	// usage payload; RequestBody contributes to the input-side estimate.
	CollectedText string
	RequestBody   []byte

	StatusCode      int
	ErrorMessage    string
	ResponseTimeMS  int64
	FirstByteTimeMS int64

	ResponseBody []byte
	Metadata     *Metadata
}

// Metadata is the request_metadata blob: the audit trail a billing dispute
// reaches for.
type Metadata struct {
	CandidateTrail []CandidateTrailEntry `json:"candidate_trail,omitempty"`
	Perf           map[string]int64      `json:"perf,omitempty"`
	Proxy          string                `json:"proxy,omitempty"`
	PoolSummary    string                `json:"pool_summary,omitempty"`
	Rectified      bool                  `json:"rectified,omitempty"`
}

// CandidateTrailEntry summarizes one attempt for the metadata blob.
type CandidateTrailEntry struct {
	Index      int    `json:"index"`
	Retry      int    `json:"retry"`
	ProviderID string `json:"provider_id"`
	KeyID      string `json:"key_id"`
	State      string `json:"state"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecordSuccess finalizes a completed request.
func (s *Service) RecordSuccess(ctx context.Context, requestID string, fin Final) {
	fin.Completed = true
	s.finalize(ctx, requestID, store.UsageCompleted, fin)
}

// RecordFailure finalizes a failed request. Token costs for partial output
// are kept; the flat request price is not charged.
func (s *Service) RecordFailure(ctx context.Context, requestID string, fin Final) {
	fin.Completed = false
	s.finalize(ctx, requestID, store.UsageFailed, fin)
}

// RecordCancelled finalizes a client-abandoned request, billing the partial
// tokens already produced.
func (s *Service) RecordCancelled(ctx context.Context, requestID string, fin Final) {
	fin.Completed = false
	if fin.StatusCode == 0 {
		fin.StatusCode = 499
	}
	s.finalize(ctx, requestID, store.UsageCancelled, fin)
}

func (s *Service) finalize(ctx context.Context, requestID string, status store.UsageStatus, fin Final) {
	u := fin.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 && !fin.Completed &&
		(fin.CollectedText != "" || len(fin.RequestBody) > 0) {
		// The stream died before a usage payload arrived; estimate rather
		// than bill zero for real output.
		u.InputTokens = pricing.EstimateTokens(string(fin.RequestBody))
		u.OutputTokens = pricing.EstimateTokens(fin.CollectedText)
	}

	var cost pricing.Cost
	if s.calc != nil && fin.ProviderID != "" {
		cost = s.calc.Cost(pricing.CostInput{
			Model:          fin.Model,
			Usage:          u,
			Succeeded:      status == store.UsageCompleted,
			RateMultiplier: fin.RateMultiplier,
			FreeTier:       fin.FreeTier,
		})
	}

	upd := store.TerminalUpdate{
		Status:             status,
		StatusCode:         fin.StatusCode,
		Usage:              u,
		ResponseTimeMS:     fin.ResponseTimeMS,
		FirstByteTimeMS:    fin.FirstByteTimeMS,
		TotalCostUSD:       cost.SurfaceUSD,
		ActualTotalCostUSD: cost.ActualUSD,
		ErrorMessage:       fin.ErrorMessage,
	}
	if s.cfg.LogLevel == LogFull {
		upd.ResponseBody = capRaw(fin.ResponseBody, s.cfg.MaxResponseBodyBytes)
	}
	if fin.Metadata != nil {
		if raw, err := json.Marshal(fin.Metadata); err == nil {
			upd.RequestMetadata = raw
		}
	}

	if err := s.store.Finalize(ctx, requestID, upd); err != nil {
		s.warn("finalize usage failed", "request_id", requestID, "status", string(status), "error", err)
	}
}

// RunSweeper periodically marks overdue pending and streaming rows failed
// with 504. It blocks until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := s.store.CleanupStalePending(ctx, s.cfg.PendingTimeout)
			if err != nil {
				s.warn("stale pending sweep failed", "error", err)
				continue
			}
			if n > 0 && s.logger != nil {
				s.logger.Info("swept stale pending requests", "count", n)
			}
		}
	}
}

func (s *Service) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.RedactedWarn(msg, args...)
	}
}

// captureHeaders keeps a redacted copy of inbound headers.
func (s *Service) captureHeaders(h http.Header) json.RawMessage {
	if h == nil {
		return nil
	}
	kept := make(map[string][]string, len(h))
	for k, v := range h {
		if s.isSensitive(k) {
			kept[k] = []string{"[REDACTED]"}
			continue
		}
		kept[k] = v
	}
	if s.redactor != nil {
		kept = s.redactor.RedactHeaders(kept)
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil
	}
	return raw
}

func (s *Service) isSensitive(name string) bool {
	for _, h := range s.cfg.SensitiveHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func capRaw(b []byte, max int) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	// Non-JSON payloads (truncated bodies, SSE logs) are stored as a JSON
	// string so the column stays valid.
	if json.Valid(b) {
		return json.RawMessage(append([]byte(nil), b...))
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return quoted
}
