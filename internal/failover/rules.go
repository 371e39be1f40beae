package failover

import (
	"regexp"
	"sync"

	"github.com/blueberrycongee/llmgate/internal/store"
)

// ruleRegexps caches compiled provider failover patterns. Patterns come from
// operator config and repeat across requests; a failed compile is cached as
// nil and never matches.
type ruleRegexps struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

var rulePatterns = &ruleRegexps{cache: make(map[string]*regexp.Regexp)}

func (r *ruleRegexps) get(pattern string) *regexp.Regexp {
	r.mu.RLock()
	re, ok := r.cache[pattern]
	r.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	r.mu.Lock()
	r.cache[pattern] = re
	r.mu.Unlock()
	return re
}

// successDemandsFailover reports whether a 200 response body matches one of
// the provider's success-failover patterns, meaning the "success" is actually
// a failure and the next candidate should be tried.
func successDemandsFailover(p *store.Provider, body []byte) (bool, string) {
	if p == nil || p.FailoverRules == nil || len(body) == 0 {
		return false, ""
	}
	for _, pattern := range p.FailoverRules.SuccessFailoverPatterns {
		if re := rulePatterns.get(pattern); re != nil && re.Match(body) {
			return true, pattern
		}
	}
	return false, ""
}

// errorStopsFailover reports whether an upstream error matches one of the
// provider's stop patterns, meaning the error should surface to the caller
// instead of triggering further candidates.
func errorStopsFailover(p *store.Provider, status int, body string) bool {
	if p == nil || p.FailoverRules == nil || body == "" {
		return false
	}
	for _, stop := range p.FailoverRules.ErrorStopPatterns {
		if len(stop.StatusCodes) > 0 && !containsInt(stop.StatusCodes, status) {
			continue
		}
		if re := rulePatterns.get(stop.Pattern); re != nil && re.MatchString(body) {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
