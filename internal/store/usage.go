package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// UsageStatus is the lifecycle state of a usage row.
type UsageStatus string

// Usage lifecycle states.
const (
	UsagePending   UsageStatus = "pending"
	UsageStreaming UsageStatus = "streaming"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
	UsageCancelled UsageStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s UsageStatus) IsTerminal() bool {
	switch s {
	case UsageCompleted, UsageFailed, UsageCancelled:
		return true
	default:
		return false
	}
}

// CandidateState is the lifecycle state of one dispatch attempt.
type CandidateState string

// Candidate attempt states.
const (
	CandidateAvailable         CandidateState = "available"
	CandidatePending           CandidateState = "pending"
	CandidateStreaming         CandidateState = "streaming"
	CandidateSuccess           CandidateState = "success"
	CandidateFailed            CandidateState = "failed"
	CandidateSkipped           CandidateState = "skipped"
	CandidateCancelled         CandidateState = "cancelled"
	CandidateUnused            CandidateState = "unused"
	CandidateStreamInterrupted CandidateState = "stream_interrupted"
)

// UsageRecord is one row per caller request, keyed by RequestID.
type UsageRecord struct {
	RequestID string

	UserID   string
	APIKeyID string

	APIFormat string
	Model     string
	IsStream  bool

	ProviderID string
	EndpointID string
	KeyID      string

	Usage types.TokenUsage

	ResponseTimeMS  int64
	FirstByteTimeMS int64

	StatusCode int
	Status     UsageStatus

	HasFormatConversion bool

	// TotalCostUSD is the surface price at the caller's rate;
	// ActualTotalCostUSD is surface × key rate multiplier, 0 for free-tier
	// providers.
	TotalCostUSD       float64
	ActualTotalCostUSD float64

	ErrorMessage string

	// Redacted request/response payloads, subject to log-level config.
	RequestHeaders  json.RawMessage
	RequestBody     json.RawMessage
	ResponseBody    json.RawMessage
	RequestMetadata json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CandidateRecord is one row per (request, candidate_index, retry_index)
// dispatch attempt.
type CandidateRecord struct {
	RequestID      string
	CandidateIndex int
	RetryIndex     int

	ProviderID   string
	ProviderName string
	EndpointID   string
	KeyID        string

	State CandidateState

	StatusCode      int
	ErrorType       string
	ErrorMessage    string
	SkipReason      string
	LatencyMS       int64
	FirstByteTimeMS int64

	// Extra carries attempt detail such as rectification stage.
	Extra json.RawMessage

	StartedAt  time.Time
	FinishedAt time.Time
}

// StatusUpdate moves a usage row to a non-terminal state, optionally
// attaching the resolved route.
type StatusUpdate struct {
	Status UsageStatus

	ProviderID string
	EndpointID string
	KeyID      string

	APIFormat           string
	HasFormatConversion bool
	FirstByteTimeMS     int64
}

// TerminalUpdate finalizes a usage row.
type TerminalUpdate struct {
	Status     UsageStatus
	StatusCode int

	Usage types.TokenUsage

	ResponseTimeMS  int64
	FirstByteTimeMS int64

	TotalCostUSD       float64
	ActualTotalCostUSD float64

	ErrorMessage    string
	ResponseBody    json.RawMessage
	RequestMetadata json.RawMessage
}

// CandidateUpdate finalizes one candidate row.
type CandidateUpdate struct {
	State CandidateState

	StatusCode      int
	ErrorType       string
	ErrorMessage    string
	SkipReason      string
	LatencyMS       int64
	FirstByteTimeMS int64
	Extra           json.RawMessage
}

// Store errors.
var (
	ErrDuplicateRequest = errors.New("usage row already exists for request")
	ErrRequestNotFound  = errors.New("usage row not found")
	ErrTerminalState    = errors.New("usage row is already terminal")
)

// UsageStore is the write-only billing and audit sink of the core.
// Implementations must keep RequestID unique and refuse to move a terminal
// row backward; repeating the same terminal update is a no-op, not an error.
type UsageStore interface {
	CreatePending(ctx context.Context, rec *UsageRecord) error
	UpdateStatus(ctx context.Context, requestID string, upd StatusUpdate) error

	// Finalize applies a terminal update and, when the provider is set and
	// the request succeeded, increments the provider's monthly accumulator
	// in the same transaction.
	Finalize(ctx context.Context, requestID string, upd TerminalUpdate) error

	Get(ctx context.Context, requestID string) (*UsageRecord, error)

	AppendCandidate(ctx context.Context, rec *CandidateRecord) error
	UpdateCandidate(ctx context.Context, requestID string, candidateIndex, retryIndex int, upd CandidateUpdate) error
	ListCandidates(ctx context.Context, requestID string) ([]*CandidateRecord, error)

	// CleanupStalePending marks pending/streaming rows older than the
	// timeout as failed with status 504 and returns how many were swept.
	CleanupStalePending(ctx context.Context, timeout time.Duration) (int, error)
}

// ProviderStore reads Provider, Endpoint, Key, and Model records. The core
// never writes provider topology; it only feeds back learned RPM limits and
// model usage counters.
type ProviderStore interface {
	ListActiveProviders(ctx context.Context, offset, limit int) ([]*Provider, error)
	GetProvider(ctx context.Context, providerID string) (*Provider, error)
	EndpointsByProvider(ctx context.Context, providerID string) ([]*Endpoint, error)
	KeysByProvider(ctx context.Context, providerID string) ([]*ProviderAPIKey, error)
	ModelsByProvider(ctx context.Context, providerID string) ([]*Model, error)

	GlobalModelByName(ctx context.Context, name string) (*GlobalModel, error)
	ListGlobalModels(ctx context.Context) ([]*GlobalModel, error)
	IncrementGlobalModelUsage(ctx context.Context, globalModelID string) error

	UpdateLearnedRPMLimit(ctx context.Context, keyID string, limit int) error
}

// ConfigStore reads runtime toggles persisted outside the process.
type ConfigStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}
