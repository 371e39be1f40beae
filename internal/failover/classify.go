// Package failover runs the sequential dispatch loop: it walks the scheduled
// candidates, admits each against its per-minute limit, calls the attempt
// function, and decides per typed error whether to retry the same candidate,
// move to the next, or stop and surface the error. Every attempt leaves a
// candidate audit row.
package failover

import (
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/parser"
	gwerrors "github.com/blueberrycongee/llmgate/pkg/errors"
)

// maxClassifyBody caps how much upstream body is kept on classified errors.
const maxClassifyBody = 4096

// clientErrorPatterns are body substrings that mark a 400/422 as caused by the
// caller's request. The loop stops on these; trying another upstream cannot
// help.
var clientErrorPatterns = []string{
	"could not process image",
	"image too large",
	"invalid image",
	"unsupported image",
	"content_policy_violation",
	"context_length_exceeded",
	"content_length_limit",
	"content_length_exceeds",
	"invalid_prompt",
	"content too long",
	"input is too long",
	"message is too long",
	"prompt is too long",
	"image exceeds",
	"pdf too large",
	"file too large",
	"tool_use_id",
	"validationexception",
}

// clientErrorTypes match the parsed error type field.
var clientErrorTypes = []string{
	"invalid_request_error",
	"invalid_argument",
	"failed_precondition",
	"validationexception",
	"validation_error",
	"bad_request",
}

// clientErrorReasons match symbolic reason strings some upstreams put in the
// status field.
var clientErrorReasons = []string{
	"content_length_exceeds_threshold",
	"context_length_exceeded",
	"max_tokens_exceeded",
	"invalid_content",
	"content_policy_violation",
}

// compatibilityPatterns mark a 4xx as a model/parameter mismatch specific to
// this upstream. Another candidate may well accept the same request, so these
// keep the failover loop going.
var compatibilityPatterns = []string{
	"unsupported parameter",
	"unsupported model",
	"unsupported feature",
	"not supported with this model",
	"model does not support",
	"parameter is not supported",
	"feature is not supported",
	"not available for this model",
}

// thinkingPatterns identify 400s caused by stale thinking signatures in the
// conversation history. These are repairable in place.
var thinkingPatterns = []string{
	"invalid `signature` in `thinking` block",
	"invalid signature in thinking block",
	"thinking.signature: field required",
	"thinking.signature:",
	"signature verification failed",
	"must start with a thinking block",
	"expected thinking or redacted_thinking",
	"expected `thinking`",
	"expected thinking, found",
	"expected `thinking`, found",
	"expected redacted_thinking, found",
	"expected `redacted_thinking`, found",
	"thoughtsignature",
	"thought_signature",
}

// keyConfigPatterns are credential problems some upstreams report with a
// client-error shape. They are the key's fault, not the caller's, so they map
// to authentication errors and keep the loop going.
var keyConfigPatterns = []string{
	"invalid_api_key",
	"invalid api key",
	"incorrect api key",
	"api key not valid",
	"api key expired",
	"account is not active",
}

// Classifier turns upstream HTTP statuses and bodies into typed gateway
// errors. Extra client-error substrings come from operator config.
type Classifier struct {
	extraClient []string
}

// NewClassifier creates a Classifier with optional configured client-error
// substrings appended to the built-in set.
func NewClassifier(extraClientSubstrings []string) *Classifier {
	c := &Classifier{}
	for _, s := range extraClientSubstrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			c.extraClient = append(c.extraClient, s)
		}
	}
	return c
}

// Classify maps an upstream HTTP error response to a typed gateway error.
func (c *Classifier) Classify(provider, model string, status int, body string, retryAfter time.Duration) *gwerrors.GatewayError {
	body = capBody(body)
	lower := strings.ToLower(body)
	msg := extractMessage(body)

	switch {
	case status == 401 || status == 403:
		ge := gwerrors.NewAuthenticationError(provider, model, msg)
		ge.StatusCode = status
		return ge.WithBody(body)
	case status == 429:
		return gwerrors.NewRateLimitError(provider, model, msg, retryAfter).WithBody(body)
	case status == 408:
		return gwerrors.NewTimeoutError(provider, model, msg).WithBody(body)
	case status == 404:
		return gwerrors.NewNotFoundError(provider, model, msg).WithBody(body)
	case status == 400 || status == 422:
		if status == 400 && matchAny(lower, thinkingPatterns) {
			return gwerrors.NewThinkingSignatureError(provider, model, msg).WithBody(body)
		}
		if matchAny(lower, keyConfigPatterns) {
			ge := gwerrors.NewAuthenticationError(provider, model, msg)
			ge.StatusCode = status
			return ge.WithBody(body)
		}
		ge := gwerrors.NewInvalidRequestError(provider, model, msg)
		ge.StatusCode = status
		if matchAny(lower, compatibilityPatterns) {
			// Upstream-specific mismatch; another candidate may accept it.
			ge.Retryable = true
		} else if !c.isClientBody(lower) {
			ge.Retryable = true
		}
		return ge.WithBody(body)
	case status >= 500:
		ge := gwerrors.NewServiceUnavailableError(provider, model, msg)
		ge.StatusCode = status
		return ge.WithBody(body)
	default:
		ge := gwerrors.NewInternalError(provider, model, msg)
		if status > 0 {
			ge.StatusCode = status
		}
		return ge.WithBody(body)
	}
}

// ClassifyEmbedded maps an error payload found inside an HTTP 200 body to a
// typed gateway error.
func (c *Classifier) ClassifyEmbedded(provider, model string, info *parser.ErrorInfo) *gwerrors.GatewayError {
	code := info.Code
	lower := strings.ToLower(info.Type + " " + info.Status + " " + info.Message)

	switch {
	case code == 401 || code == 403:
		ge := gwerrors.NewAuthenticationError(provider, model, info.Message)
		ge.StatusCode = code
		return ge
	case code == 429:
		return gwerrors.NewRateLimitError(provider, model, info.Message, 0)
	case code == 400 && matchAny(lower, thinkingPatterns):
		return gwerrors.NewThinkingSignatureError(provider, model, info.Message)
	}

	ge := gwerrors.NewEmbeddedError(provider, model, info.Message, code)
	if (code == 400 || code == 422) && matchAny(lower, compatibilityPatterns) {
		ge.Retryable = true
	}
	if (code == 400 || code == 422) && !ge.Retryable && !c.isClientEmbedded(info, lower) {
		ge.Retryable = true
	}
	return ge
}

// isClientBody reports whether a lowercased 400/422 body matches the
// client-error substrings, types, or reasons.
func (c *Classifier) isClientBody(lower string) bool {
	return matchAny(lower, clientErrorPatterns) ||
		matchAny(lower, clientErrorTypes) ||
		matchAny(lower, clientErrorReasons) ||
		matchAny(lower, c.extraClient)
}

func (c *Classifier) isClientEmbedded(info *parser.ErrorInfo, lower string) bool {
	if t := strings.ToLower(info.Type); t != "" && matchAny(t, clientErrorTypes) {
		return true
	}
	if r := strings.ToLower(info.Status); r != "" && matchAny(r, clientErrorReasons) {
		return true
	}
	return matchAny(lower, clientErrorPatterns) || matchAny(lower, c.extraClient)
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func capBody(body string) string {
	if len(body) > maxClassifyBody {
		return body[:maxClassifyBody]
	}
	return body
}

// extractMessage pulls the error message out of a JSON error body, falling
// back to the raw text.
func extractMessage(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if ok, info := parser.CheckEmbeddedError(payload); ok && info.Message != "" {
				return info.Message
			}
		}
	}
	if trimmed == "" {
		return "upstream returned an error response"
	}
	return trimmed
}
