// Package ratelimit enforces per-key RPM limits with minute-granular atomic
// counters and reserves a slice of each key's capacity for callers that
// already hold prompt-cache affinity on it.
package ratelimit

import (
	"context"
	"math"

	"github.com/blueberrycongee/llmgate/internal/observability"
)

// Counter atomically checks and increments a key's current-minute bucket.
type Counter interface {
	// Admit increments the counter when count < threshold and reports the
	// post-increment count. threshold <= 0 means unlimited: the counter is
	// still incremented so the observed rate stays accurate.
	Admit(ctx context.Context, keyID string, threshold int) (bool, int, error)
	// Observe returns the current-minute count without incrementing.
	Observe(ctx context.Context, keyID string) (int, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	// Count is the bucket count after the check (incremented when admitted).
	Count int
	// Threshold is the effective admission bound that was applied.
	Threshold int
	// Ratio is the reservation ratio in force for the key.
	Ratio float64
}

// Manager combines the atomic counter with the adaptive reservation. The
// counter is authoritative for admission; when it fails (Redis down) the
// manager degrades to a process-local counter rather than failing requests.
type Manager struct {
	counter  Counter
	fallback Counter
	res      *ReservationManager
	logger   *observability.Logger
}

// NewManager creates a Manager. counter is typically a RedisCounter; pass a
// MemoryCounter directly for single-process deployments.
func NewManager(counter Counter, res *ReservationManager, logger *observability.Logger) *Manager {
	if res == nil {
		res = NewReservationManager(DefaultReservationConfig())
	}
	return &Manager{
		counter:  counter,
		fallback: NewMemoryCounter(),
		res:      res,
		logger:   logger,
	}
}

// Admit applies the admission rule for one key. limit <= 0 means the key is
// unlimited. cachedUser marks a caller arriving through a cache-affinity hit;
// such callers may use the full limit, everyone else is held to the
// reserved-capacity bound.
func (m *Manager) Admit(ctx context.Context, keyID string, limit int, cachedUser bool) (Decision, error) {
	ratio := m.res.Ratio(keyID)

	threshold := limit
	if limit > 0 && !cachedUser {
		threshold = int(math.Floor(float64(limit) * (1 - ratio)))
		if threshold < 1 {
			threshold = 1
		}
	}

	admitted, count, err := m.counter.Admit(ctx, keyID, threshold)
	if err != nil {
		if m.logger != nil {
			m.logger.RedactedWarn("rpm counter unavailable, using in-memory fallback", "key_id", keyID, "error", err)
		}
		admitted, count, err = m.fallback.Admit(ctx, keyID, threshold)
		if err != nil {
			return Decision{}, err
		}
	}

	if admitted && limit > 0 {
		m.res.ObserveLoad(keyID, float64(count)/float64(limit))
	}
	return Decision{Admitted: admitted, Count: count, Threshold: threshold, Ratio: ratio}, nil
}

// RecordSuccess feeds a completed request into the reservation estimator.
func (m *Manager) RecordSuccess(keyID string) {
	m.res.RecordSuccess(keyID)
}

// Record429 feeds an upstream rate-limit rejection into the estimator.
func (m *Manager) Record429(keyID string) {
	m.res.Record429(keyID)
}

// Ratio exposes the current reservation ratio for metrics.
func (m *Manager) Ratio(keyID string) float64 {
	return m.res.Ratio(keyID)
}
