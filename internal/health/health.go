// Package health tracks upstream key health. A circuit breaker per
// (key, endpoint signature) short-circuits keys that keep failing, and an RPM
// learner adapts per-key rate limits from observed 429 responses.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// State is the circuit state of one (key, signature) pair.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the circuit breaker.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int
	// BaseCooldown is the first open-state cooldown; it doubles on each
	// reopen up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	// JitterFraction randomizes the cooldown by ±fraction to avoid
	// synchronized retries.
	JitterFraction float64
	// RetryAfterCeiling: a 429 whose Retry-After exceeds this opens the
	// circuit immediately.
	RetryAfterCeiling time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		BaseCooldown:      30 * time.Second,
		MaxCooldown:       10 * time.Minute,
		JitterFraction:    0.1,
		RetryAfterCeiling: 60 * time.Second,
	}
}

// Decision is the breaker's answer for one candidate key.
type Decision struct {
	Available bool
	// Reason is attached to the candidate's skip record when unavailable.
	Reason string
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	// reopens counts open transitions, driving the exponential cooldown.
	reopens int
}

// Monitor is the circuit breaker registry. In-memory state is authoritative;
// when a Redis client is provided the state is mirrored there so sibling
// processes observe opens quickly.
type Monitor struct {
	cfg    Config
	rdb    redis.UniversalClient
	logger *observability.Logger

	mu       sync.Mutex
	circuits map[string]*circuit

	now  func() time.Time
	rand func() float64
}

// NewMonitor creates a Monitor. rdb may be nil for single-process use.
func NewMonitor(cfg Config, rdb redis.UniversalClient, logger *observability.Logger) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:      cfg,
		rdb:      rdb,
		logger:   logger,
		circuits: make(map[string]*circuit),
		now:      time.Now,
		rand:     rand.Float64,
	}
}

func circuitKey(keyID string, sig types.Signature) string {
	return fmt.Sprintf("circuit:%s:%s", keyID, sig)
}

func (m *Monitor) get(key string) *circuit {
	c, ok := m.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		m.circuits[key] = c
	}
	return c
}

// Check reports whether a key may serve a signature right now. An open
// circuit whose cooldown elapsed moves to half-open and admits one probe.
func (m *Monitor) Check(ctx context.Context, keyID string, sig types.Signature) Decision {
	key := circuitKey(keyID, sig)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[key]
	if !ok {
		if remote := m.loadRemote(ctx, key); remote != nil {
			c = remote
			m.circuits[key] = c
		} else {
			return Decision{Available: true}
		}
	}

	switch c.state {
	case StateClosed:
		return Decision{Available: true}
	case StateOpen:
		if m.now().Sub(c.openedAt) >= c.cooldown {
			c.state = StateHalfOpen
			m.mirror(ctx, key, c)
			return Decision{Available: true}
		}
		remaining := c.cooldown - m.now().Sub(c.openedAt)
		return Decision{Available: false, Reason: fmt.Sprintf("circuit_open (%.0fs remaining)", remaining.Seconds())}
	case StateHalfOpen:
		// One probe at a time; further callers wait for its outcome.
		return Decision{Available: false, Reason: "circuit_half_open_probe_in_flight"}
	}
	return Decision{Available: true}
}

// ReportSuccess records a successful request. One success closes a half-open
// circuit.
func (m *Monitor) ReportSuccess(ctx context.Context, keyID string, sig types.Signature) {
	key := circuitKey(keyID, sig)

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(key)
	c.failures = 0
	if c.state != StateClosed {
		c.state = StateClosed
		c.reopens = 0
		if m.logger != nil {
			m.logger.Info("circuit closed", "key_id", keyID, "signature", sig.String())
		}
	}
	m.mirror(ctx, key, c)
}

// ReportFailure records a failed request. statusCode 0 means a transport
// failure; retryAfter is zero when the response carried none.
func (m *Monitor) ReportFailure(ctx context.Context, keyID string, sig types.Signature, statusCode int, retryAfter time.Duration) {
	key := circuitKey(keyID, sig)

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(key)
	c.failures++

	immediate := statusCode == 401 || statusCode == 403 ||
		(statusCode == 429 && retryAfter > m.cfg.RetryAfterCeiling)

	switch {
	case c.state == StateHalfOpen:
		m.open(c, retryAfter)
	case immediate || c.failures >= m.cfg.FailureThreshold:
		if c.state != StateOpen {
			m.open(c, retryAfter)
		}
	}

	if c.state == StateOpen && m.logger != nil {
		m.logger.Warn("circuit open",
			"key_id", keyID,
			"signature", sig.String(),
			"status_code", statusCode,
			"cooldown", c.cooldown.String(),
		)
	}
	m.mirror(ctx, key, c)
}

func (m *Monitor) open(c *circuit, retryAfter time.Duration) {
	c.state = StateOpen
	c.openedAt = m.now()
	c.reopens++

	cooldown := m.cfg.BaseCooldown
	for i := 1; i < c.reopens && cooldown < m.cfg.MaxCooldown; i++ {
		cooldown *= 2
	}
	if cooldown > m.cfg.MaxCooldown {
		cooldown = m.cfg.MaxCooldown
	}
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	if m.cfg.JitterFraction > 0 {
		jitter := 1 + m.cfg.JitterFraction*(2*m.rand()-1)
		cooldown = time.Duration(float64(cooldown) * jitter)
	}
	c.cooldown = cooldown
}

// Reset clears a circuit, admitting the key immediately.
func (m *Monitor) Reset(ctx context.Context, keyID string, sig types.Signature) {
	key := circuitKey(keyID, sig)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.circuits, key)
	if m.rdb != nil {
		m.rdb.Del(ctx, key)
	}
}

// mirror writes the circuit state to Redis, best effort.
func (m *Monitor) mirror(ctx context.Context, key string, c *circuit) {
	if m.rdb == nil {
		return
	}
	fields := map[string]any{
		"state":     string(c.state),
		"failures":  c.failures,
		"opened_at": c.openedAt.UnixMilli(),
		"cooldown":  int64(c.cooldown / time.Millisecond),
		"reopens":   c.reopens,
	}
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, m.cfg.MaxCooldown*2)
	if _, err := pipe.Exec(ctx); err != nil && m.logger != nil {
		m.logger.Debug("circuit state mirror failed", "error", err)
	}
}

// loadRemote reads a sibling process's circuit state, best effort.
func (m *Monitor) loadRemote(ctx context.Context, key string) *circuit {
	if m.rdb == nil {
		return nil
	}
	fields, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return nil
	}
	c := &circuit{state: State(fields["state"])}
	if c.state != StateOpen && c.state != StateHalfOpen && c.state != StateClosed {
		return nil
	}
	c.failures, _ = strconv.Atoi(fields["failures"])
	c.reopens, _ = strconv.Atoi(fields["reopens"])
	if ms, err := strconv.ParseInt(fields["opened_at"], 10, 64); err == nil {
		c.openedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["cooldown"], 10, 64); err == nil {
		c.cooldown = time.Duration(ms) * time.Millisecond
	}
	return c
}

// StateOf returns the current state for introspection and tests.
func (m *Monitor) StateOf(keyID string, sig types.Signature) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.circuits[circuitKey(keyID, sig)]; ok {
		return c.state
	}
	return StateClosed
}
