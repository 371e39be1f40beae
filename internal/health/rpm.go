package health

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/store"
)

// RPMLearnerConfig tunes the adaptive per-key RPM limit.
type RPMLearnerConfig struct {
	// Shrink is applied to the observed RPM when a 429 arrives.
	Shrink float64
	// NearLimitFraction: a minute counts toward growth when its request
	// count reaches this fraction of the learned limit.
	NearLimitFraction float64
	// GrowthAfter is the number of consecutive near-limit minutes required
	// before the learned limit grows by GrowthStep.
	GrowthAfter int
	GrowthStep  int
	// GrowthCooldown blocks growth for this long after the last 429.
	GrowthCooldown time.Duration
	MaxLearnedRPM  int
}

// DefaultRPMLearnerConfig returns sensible defaults.
func DefaultRPMLearnerConfig() RPMLearnerConfig {
	return RPMLearnerConfig{
		Shrink:            0.5,
		NearLimitFraction: 0.8,
		GrowthAfter:       3,
		GrowthStep:        1,
		GrowthCooldown:    5 * time.Minute,
		MaxLearnedRPM:     10000,
	}
}

type keyRPM struct {
	bucket int64
	count  int
	// prevCount is the completed previous minute's count, used as the
	// observed RPM when the current minute has just started.
	prevCount   int
	learned     int
	nearMinutes int
	last429     time.Time
}

// RPMLearner tracks the observed request rate of each key and maintains a
// learned RPM limit for keys without a configured one. On a 429 the limit
// shrinks to half the observed rate; sustained traffic near the limit grows
// it back one bounded step at a time. Learned limits are persisted through
// the provider store so restarts and siblings pick them up.
type RPMLearner struct {
	cfg       RPMLearnerConfig
	providers store.ProviderStore
	logger    *observability.Logger

	mu   sync.Mutex
	keys map[string]*keyRPM

	now func() time.Time
}

// NewRPMLearner creates an RPMLearner. providers may be nil, in which case
// learned limits live only in memory.
func NewRPMLearner(cfg RPMLearnerConfig, providers store.ProviderStore, logger *observability.Logger) *RPMLearner {
	if cfg.Shrink <= 0 || cfg.Shrink >= 1 {
		cfg = DefaultRPMLearnerConfig()
	}
	return &RPMLearner{
		cfg:       cfg,
		providers: providers,
		logger:    logger,
		keys:      make(map[string]*keyRPM),
		now:       time.Now,
	}
}

// Seed installs a previously persisted learned limit without touching the
// observed counters.
func (l *RPMLearner) Seed(keyID string, learned int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.get(keyID)
	if s.learned == 0 {
		s.learned = learned
	}
}

// LearnedLimit returns the in-memory learned limit, 0 when none is known.
func (l *RPMLearner) LearnedLimit(keyID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.keys[keyID]; ok {
		return s.learned
	}
	return 0
}

// Record counts one admitted request against the key's current minute and
// applies a growth step when the key has run near its learned limit for
// enough consecutive minutes.
func (l *RPMLearner) Record(ctx context.Context, keyID string) {
	l.mu.Lock()
	s := l.get(keyID)
	l.roll(s)
	s.count++
	grew, learned := l.maybeGrow(s)
	l.mu.Unlock()

	if grew {
		l.persist(ctx, keyID, learned, "rpm limit grown")
	}
}

// On429 shrinks the learned limit to half the observed rate, floored at 1.
func (l *RPMLearner) On429(ctx context.Context, keyID string) int {
	l.mu.Lock()
	s := l.get(keyID)
	l.roll(s)

	observed := s.count
	if s.prevCount > observed {
		observed = s.prevCount
	}
	if observed < 1 {
		observed = 1
	}
	learned := int(float64(observed) * l.cfg.Shrink)
	if learned < 1 {
		learned = 1
	}
	s.learned = learned
	s.nearMinutes = 0
	s.last429 = l.now()
	l.mu.Unlock()

	l.persist(ctx, keyID, learned, "rpm limit shrunk after 429")
	return learned
}

func (l *RPMLearner) get(keyID string) *keyRPM {
	s, ok := l.keys[keyID]
	if !ok {
		s = &keyRPM{}
		l.keys[keyID] = s
	}
	return s
}

// roll advances the minute bucket, closing out the previous minute.
func (l *RPMLearner) roll(s *keyRPM) {
	bucket := l.now().Unix() / 60
	if s.bucket == bucket {
		return
	}
	if bucket == s.bucket+1 {
		s.prevCount = s.count
	} else {
		s.prevCount = 0
	}

	// Score the completed minute against the learned limit.
	if s.learned > 0 && s.bucket != 0 {
		near := float64(s.prevCount) >= l.cfg.NearLimitFraction*float64(s.learned)
		if near && l.now().Sub(s.last429) >= l.cfg.GrowthCooldown {
			s.nearMinutes++
		} else {
			s.nearMinutes = 0
		}
	}

	s.bucket = bucket
	s.count = 0
}

func (l *RPMLearner) maybeGrow(s *keyRPM) (bool, int) {
	if s.learned == 0 || s.nearMinutes < l.cfg.GrowthAfter {
		return false, 0
	}
	if s.learned >= l.cfg.MaxLearnedRPM {
		s.nearMinutes = 0
		return false, 0
	}
	s.learned += l.cfg.GrowthStep
	if s.learned > l.cfg.MaxLearnedRPM {
		s.learned = l.cfg.MaxLearnedRPM
	}
	s.nearMinutes = 0
	return true, s.learned
}

func (l *RPMLearner) persist(ctx context.Context, keyID string, learned int, msg string) {
	if l.providers == nil {
		return
	}
	if err := l.providers.UpdateLearnedRPMLimit(ctx, keyID, learned); err != nil {
		if l.logger != nil {
			l.logger.RedactedWarn("persist learned rpm limit failed", "key_id", keyID, "error", err)
		}
		return
	}
	if l.logger != nil {
		l.logger.Info(msg, "key_id", keyID, "learned_rpm", learned)
	}
}
