package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/llmgate/internal/store"
)

func TestSuccessDemandsFailover(t *testing.T) {
	p := &store.Provider{
		ID: "p1",
		FailoverRules: &store.FailoverRules{
			SuccessFailoverPatterns: []string{`"content":\s*""`, "upstream_degraded"},
		},
	}

	failed, pattern := successDemandsFailover(p, []byte(`{"choices":[{"message":{"content": ""}}]}`))
	assert.True(t, failed)
	assert.Equal(t, `"content":\s*""`, pattern)

	failed, _ = successDemandsFailover(p, []byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	assert.False(t, failed)

	// No rules, no body.
	failed, _ = successDemandsFailover(&store.Provider{ID: "p2"}, []byte("anything"))
	assert.False(t, failed)
	failed, _ = successDemandsFailover(p, nil)
	assert.False(t, failed)
}

func TestErrorStopsFailover(t *testing.T) {
	p := &store.Provider{
		ID: "p1",
		FailoverRules: &store.FailoverRules{
			ErrorStopPatterns: []store.ErrorStopPattern{
				{Pattern: "organization has been suspended", StatusCodes: []int{403}},
				{Pattern: "maintenance window"},
			},
		},
	}

	assert.True(t, errorStopsFailover(p, 403, "Your organization has been suspended."))
	// Same body at a status outside the pattern's list keeps failing over.
	assert.False(t, errorStopsFailover(p, 500, "Your organization has been suspended."))
	// No status list matches any status.
	assert.True(t, errorStopsFailover(p, 503, "scheduled MAINTENANCE WINDOW in progress"))
	assert.False(t, errorStopsFailover(p, 403, "rate limited"))
	assert.False(t, errorStopsFailover(nil, 403, "anything"))
}

func TestRulePatterns_InvalidRegexNeverMatches(t *testing.T) {
	p := &store.Provider{
		ID: "p1",
		FailoverRules: &store.FailoverRules{
			SuccessFailoverPatterns: []string{"([unclosed"},
		},
	}
	failed, _ := successDemandsFailover(p, []byte("([unclosed"))
	assert.False(t, failed)
}
