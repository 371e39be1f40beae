package ratelimit

import (
	"sync"
	"time"
)

// ReservationConfig tunes the adaptive reservation ratio.
type ReservationConfig struct {
	// ProbeRatio is held until the key has proven itself.
	ProbeRatio float64
	// MinRatio and MaxRatio bound the ratio in the stable phase.
	MinRatio float64
	MaxRatio float64
	// ProbeSuccessThreshold is the success count required to leave the
	// probe phase.
	ProbeSuccessThreshold int
	// Cooldown429: a 429 inside this window keeps the key in probe phase.
	Cooldown429 time.Duration
	// RateWeight and LoadWeight mix the recent 429 rate and the admission
	// load factor into the stable-phase target.
	RateWeight float64
	LoadWeight float64
}

// DefaultReservationConfig returns sensible defaults.
func DefaultReservationConfig() ReservationConfig {
	return ReservationConfig{
		ProbeRatio:            0.10,
		MinRatio:              0.10,
		MaxRatio:              0.35,
		ProbeSuccessThreshold: 50,
		Cooldown429:           2 * time.Minute,
		RateWeight:            0.7,
		LoadWeight:            0.3,
	}
}

type keyReservation struct {
	ratio     float64
	successes int
	last429   time.Time
	// rate429 and load are exponentially weighted moving averages.
	rate429 float64
	load    float64
	// confidence rises while adjustments stay small and collapses on a
	// swing, widening the next adjustment step.
	confidence float64
}

// ReservationManager is a process-local estimator of how much of each key's
// RPM budget to reserve for cache-affinity callers. It only shapes admission
// thresholds; correctness of admission is always the atomic counter's job.
type ReservationManager struct {
	cfg ReservationConfig

	mu   sync.Mutex
	keys map[string]*keyReservation

	now func() time.Time
}

// NewReservationManager creates a ReservationManager.
func NewReservationManager(cfg ReservationConfig) *ReservationManager {
	if cfg.MaxRatio <= 0 {
		cfg = DefaultReservationConfig()
	}
	return &ReservationManager{
		cfg:  cfg,
		keys: make(map[string]*keyReservation),
		now:  time.Now,
	}
}

func (r *ReservationManager) get(keyID string) *keyReservation {
	s, ok := r.keys[keyID]
	if !ok {
		s = &keyReservation{ratio: r.cfg.ProbeRatio}
		r.keys[keyID] = s
	}
	return s
}

// Ratio returns the reservation ratio for a key and advances the estimator
// one adjustment step when the key is in the stable phase.
func (r *ReservationManager) Ratio(keyID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(keyID)
	if s.successes < r.cfg.ProbeSuccessThreshold ||
		(!s.last429.IsZero() && r.now().Sub(s.last429) < r.cfg.Cooldown429) {
		return r.cfg.ProbeRatio
	}

	signal := r.cfg.RateWeight*s.rate429 + r.cfg.LoadWeight*s.load
	if signal > 1 {
		signal = 1
	}
	target := r.cfg.MinRatio + (r.cfg.MaxRatio-r.cfg.MinRatio)*signal

	delta := target - s.ratio
	if delta > 0.15 || delta < -0.15 {
		s.confidence *= 0.5
	} else if s.confidence < 1 {
		s.confidence += 0.05
		if s.confidence > 1 {
			s.confidence = 1
		}
	}

	// High confidence damps the step, swings widen it.
	step := 0.5 - 0.3*s.confidence
	s.ratio += delta * step
	if s.ratio < r.cfg.MinRatio {
		s.ratio = r.cfg.MinRatio
	}
	if s.ratio > r.cfg.MaxRatio {
		s.ratio = r.cfg.MaxRatio
	}
	return s.ratio
}

// RecordSuccess counts a completed request and decays the 429 rate.
func (r *ReservationManager) RecordSuccess(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(keyID)
	s.successes++
	s.rate429 *= 0.95
}

// Record429 marks an upstream rate-limit rejection.
func (r *ReservationManager) Record429(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(keyID)
	s.last429 = r.now()
	s.rate429 = s.rate429*0.8 + 0.2
}

// ObserveLoad records the load factor (count/limit) seen at admission.
func (r *ReservationManager) ObserveLoad(keyID string, load float64) {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(keyID)
	s.load = s.load*0.8 + load*0.2
}
