package scheduling

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/blueberrycongee/llmgate/internal/affinity"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Mode selects how candidates are ordered.
type Mode string

// Scheduling modes.
const (
	// ModeFixedOrder sorts by priority only and ignores cache affinity.
	ModeFixedOrder Mode = "fixed_order"
	// ModeCacheAffinity groups exact-format routes first, then promotes the
	// caller's affinity target.
	ModeCacheAffinity Mode = "cache_affinity"
	// ModeLoadBalance groups by priority and shuffles inside each group.
	ModeLoadBalance Mode = "load_balance"
)

// PriorityMode selects which priority fields drive the sort.
type PriorityMode string

// Priority modes.
const (
	// PriorityProvider sorts by provider priority, then key priority.
	PriorityProvider PriorityMode = "provider"
	// PriorityGlobalKey sorts by the key's per-format global priority,
	// spreading ties with a per-caller deterministic hash.
	PriorityGlobalKey PriorityMode = "global_key"
)

// Scheduler orders built candidates for the failover loop.
type Scheduler struct {
	mode     Mode
	priority PriorityMode
	rand     *rand.Rand
}

// NewScheduler creates a Scheduler.
func NewScheduler(mode Mode, priority PriorityMode) *Scheduler {
	if mode == "" {
		mode = ModeCacheAffinity
	}
	if priority == "" {
		priority = PriorityProvider
	}
	return &Scheduler{
		mode:     mode,
		priority: priority,
		rand:     rand.New(rand.NewSource(rand.Int63())),
	}
}

type rankedCandidate struct {
	c *Candidate
	// group demotes convertible routes in cache_affinity mode.
	group int
	// bucket is the primary priority used for load-balance shuffling.
	bucket int
	// keyPriority is the secondary priority.
	keyPriority int
	// tiebreak is the deterministic per-caller hash, or a random value for
	// providers in rotation mode.
	tiebreak uint32
}

// Schedule returns candidates in dispatch order. aff is the caller's cache
// affinity entry, nil when there is none; a present, healthy affinity target
// is promoted to the front in cache_affinity mode.
func (s *Scheduler) Schedule(cands []*Candidate, clientSig types.Signature, affinityKey string, aff *affinity.Entry) []*Candidate {
	ranked := make([]rankedCandidate, len(cands))
	sigKey := clientSig.String()

	for i, c := range cands {
		r := rankedCandidate{c: c}

		if s.mode == ModeCacheAffinity && c.NeedsConversion && !c.Provider.KeepPriorityOnConversion {
			r.group = 1
		}

		switch s.priority {
		case PriorityGlobalKey:
			if p, ok := c.Key.GlobalPriorityByFormat[sigKey]; ok {
				r.bucket = p
			} else {
				r.bucket = c.Key.InternalPriority
			}
		default:
			r.bucket = c.Provider.Priority
			r.keyPriority = c.Key.InternalPriority
		}

		if providerRotates(cands, c.Provider.ID) {
			r.tiebreak = s.rand.Uint32()
		} else {
			r.tiebreak = callerHash(affinityKey, c.Key.ID)
		}
		ranked[i] = r
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.group != b.group {
			return a.group < b.group
		}
		if a.bucket != b.bucket {
			return a.bucket < b.bucket
		}
		if a.keyPriority != b.keyPriority {
			return a.keyPriority < b.keyPriority
		}
		if s.priority == PriorityGlobalKey {
			if a.tiebreak != b.tiebreak {
				return a.tiebreak < b.tiebreak
			}
		}
		if a.c.Provider.ID != b.c.Provider.ID {
			return a.c.Provider.ID < b.c.Provider.ID
		}
		return a.c.Key.ID < b.c.Key.ID
	})

	if s.mode == ModeLoadBalance {
		s.shuffleBuckets(ranked)
	}

	out := make([]*Candidate, len(ranked))
	for i, r := range ranked {
		out[i] = r.c
	}

	if s.mode == ModeCacheAffinity && aff != nil {
		out = promoteAffinity(out, aff)
	}
	return out
}

// promoteAffinity moves the affinity target to index 0 when it survived
// candidate building. A target that was skipped as unhealthy is simply
// absent and the order stands.
func promoteAffinity(cands []*Candidate, aff *affinity.Entry) []*Candidate {
	for i, c := range cands {
		if c.Provider.ID == aff.ProviderID && c.Endpoint.ID == aff.EndpointID && c.Key.ID == aff.KeyID {
			if i == 0 {
				return cands
			}
			promoted := cands[i]
			copy(cands[1:i+1], cands[:i])
			cands[0] = promoted
			return cands
		}
	}
	return cands
}

// shuffleBuckets shuffles runs of equal (group, bucket) in place.
func (s *Scheduler) shuffleBuckets(ranked []rankedCandidate) {
	start := 0
	for i := 1; i <= len(ranked); i++ {
		if i == len(ranked) || ranked[i].group != ranked[start].group || ranked[i].bucket != ranked[start].bucket {
			run := ranked[start:i]
			s.rand.Shuffle(len(run), func(a, b int) { run[a], run[b] = run[b], run[a] })
			start = i
		}
	}
}

// providerRotates reports whether every key of the provider present in the
// candidate set opted out of cache affinity, which switches the provider to
// random key rotation.
func providerRotates(cands []*Candidate, providerID string) bool {
	seen := false
	for _, c := range cands {
		if c.Provider.ID != providerID {
			continue
		}
		seen = true
		if c.Key.CacheTTLMinutes != 0 {
			return false
		}
	}
	return seen
}

// callerHash spreads a caller's ties across keys deterministically so the
// same caller keeps landing on the same key.
func callerHash(affinityKey, keyID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(affinityKey))
	h.Write([]byte{0})
	h.Write([]byte(keyID))
	return h.Sum32()
}
