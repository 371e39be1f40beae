package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeModelLabel(t *testing.T) {
	for in, want := range map[string]string{
		"gpt-4o":                  "gpt-4o",
		"openai/gpt-4o:latest":    "openai/gpt-4o:latest",
		"  claude-sonnet-4  ":     "claude-sonnet-4",
		"":                        "unknown",
		"???":                     "unknown",
		"model name with spaces!": "model_name_with_spaces",
	} {
		assert.Equal(t, want, SanitizeModelLabel(in), in)
	}

	long := strings.Repeat("a", 200)
	assert.Len(t, SanitizeModelLabel(long), maxModelLabelLen)
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordRequest("gpt-4o", "openai", 200, 0)
	RecordFirstByte("gpt-4o", "openai", 0) // ignored
	RecordAttempt("openai", "success")
	RecordFailover("openai", "rate_limit_error")
	RecordStreamAbort("openai", "data_timeout")
	RecordReservation("key-1", "admitted", 0.75)
	RecordTokens("gpt-4o", "openai", 10, 20, 5, 0)
	RecordSpend("gpt-4o", "openai", 0.5, 0.25)
}
