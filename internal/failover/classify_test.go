package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/parser"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

func TestClassifier_AuthAndRateLimit(t *testing.T) {
	c := NewClassifier(nil)

	ge := c.Classify("acme", "model-x", 401, `{"error":{"message":"bad key"}}`, 0)
	assert.Equal(t, gwerrors.TypeAuthentication, ge.Type)
	assert.Equal(t, 401, ge.StatusCode)
	assert.Equal(t, "bad key", ge.Message)

	ge = c.Classify("acme", "model-x", 403, "forbidden", 0)
	assert.Equal(t, gwerrors.TypeAuthentication, ge.Type)
	assert.Equal(t, 403, ge.StatusCode)

	ge = c.Classify("acme", "model-x", 429, "slow down", 90*time.Second)
	assert.Equal(t, gwerrors.TypeRateLimit, ge.Type)
	assert.Equal(t, 90*time.Second, ge.RetryAfter)
	assert.True(t, ge.Retryable)
}

func TestClassifier_ThinkingSignatureOnlyAt400(t *testing.T) {
	c := NewClassifier(nil)
	body := `{"error":{"type":"invalid_request_error","message":"messages.1.content.0: unexpected, must start with a thinking block"}}`

	ge := c.Classify("acme", "model-x", 400, body, 0)
	assert.Equal(t, gwerrors.TypeThinkingSignature, ge.Type)
	assert.True(t, ge.Retryable)

	// The same text at another status is not a thinking error.
	ge = c.Classify("acme", "model-x", 500, body, 0)
	assert.Equal(t, gwerrors.TypeServiceUnavailable, ge.Type)
}

func TestClassifier_ClientErrors(t *testing.T) {
	c := NewClassifier(nil)

	for _, body := range []string{
		`{"error":{"type":"invalid_request_error","message":"context_length_exceeded"}}`,
		`{"error":{"message":"image too large to process"}}`,
		`{"error":{"type":"validation_error","message":"bad payload"}}`,
	} {
		ge := c.Classify("acme", "model-x", 400, body, 0)
		assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type, body)
		assert.False(t, ge.Retryable, body)
	}

	// 422 goes through the same classification.
	ge := c.Classify("acme", "model-x", 422, `{"error":{"message":"validationexception: too long"}}`, 0)
	assert.Equal(t, 422, ge.StatusCode)
	assert.False(t, ge.Retryable)
}

func TestClassifier_CompatibilityErrorsKeepFailingOver(t *testing.T) {
	c := NewClassifier(nil)

	ge := c.Classify("acme", "model-x", 400,
		`{"error":{"type":"invalid_request_error","message":"'reasoning_effort' is an unsupported parameter for this model"}}`, 0)
	assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type)
	assert.True(t, ge.Retryable)
}

func TestClassifier_KeyConfigErrorsAreNotClientErrors(t *testing.T) {
	c := NewClassifier(nil)

	// Some upstreams report credential problems with a 400 client-error
	// shape. They must fail over, not surface to the caller.
	ge := c.Classify("acme", "model-x", 400,
		`{"error":{"type":"invalid_request_error","code":"invalid_api_key","message":"invalid_api_key provided"}}`, 0)
	assert.Equal(t, gwerrors.TypeAuthentication, ge.Type)
	assert.Equal(t, 400, ge.StatusCode)
}

func TestClassifier_UnmatchedBadRequestFailsOver(t *testing.T) {
	c := NewClassifier(nil)

	ge := c.Classify("acme", "model-x", 400, `{"error":{"message":"upstream hiccup"}}`, 0)
	assert.Equal(t, gwerrors.TypeInvalidRequest, ge.Type)
	assert.True(t, ge.Retryable)
}

func TestClassifier_ExtraClientSubstrings(t *testing.T) {
	c := NewClassifier([]string{"  Tenant Blocked  ", ""})

	ge := c.Classify("acme", "model-x", 400, `{"error":{"message":"tenant blocked by policy"}}`, 0)
	assert.False(t, ge.Retryable)
}

func TestClassifier_ServerErrors(t *testing.T) {
	c := NewClassifier(nil)

	ge := c.Classify("acme", "model-x", 529, "overloaded", 0)
	assert.Equal(t, gwerrors.TypeServiceUnavailable, ge.Type)
	assert.Equal(t, 529, ge.StatusCode)
	assert.True(t, ge.Retryable)

	ge = c.Classify("acme", "model-x", 404, "no such model deployment", 0)
	assert.Equal(t, gwerrors.TypeNotFound, ge.Type)

	ge = c.Classify("acme", "model-x", 408, "", 0)
	assert.Equal(t, gwerrors.TypeTimeout, ge.Type)
}

func TestClassifier_BodyCap(t *testing.T) {
	c := NewClassifier(nil)

	huge := make([]byte, maxClassifyBody*2)
	for i := range huge {
		huge[i] = 'x'
	}
	ge := c.Classify("acme", "model-x", 500, string(huge), 0)
	assert.Len(t, ge.UpstreamBody, maxClassifyBody)
}

func TestClassifier_Embedded(t *testing.T) {
	c := NewClassifier(nil)

	ge := c.ClassifyEmbedded("acme", "model-x", &parser.ErrorInfo{
		Type: "rate_limit_error", Message: "quota", Code: 429,
	})
	assert.Equal(t, gwerrors.TypeRateLimit, ge.Type)

	ge = c.ClassifyEmbedded("acme", "model-x", &parser.ErrorInfo{
		Type: "permission_error", Message: "denied", Code: 403,
	})
	assert.Equal(t, gwerrors.TypeAuthentication, ge.Type)

	ge = c.ClassifyEmbedded("acme", "model-x", &parser.ErrorInfo{
		Type: "invalid_request_error", Message: "prompt is too long: 250000 tokens", Code: 400,
	})
	require.Equal(t, gwerrors.TypeEmbeddedError, ge.Type)
	assert.False(t, ge.Retryable)

	ge = c.ClassifyEmbedded("acme", "model-x", &parser.ErrorInfo{
		Message: "thought_signature mismatch", Code: 400,
	})
	assert.Equal(t, gwerrors.TypeThinkingSignature, ge.Type)

	// No extractable code: treated as a bad gateway, retryable.
	ge = c.ClassifyEmbedded("acme", "model-x", &parser.ErrorInfo{Message: "oops"})
	assert.Equal(t, gwerrors.TypeEmbeddedError, ge.Type)
	assert.True(t, ge.Retryable)
}
