// Package errors defines unified error types for gateway dispatch operations.
// All upstream-provider failures are mapped to these standard error types so
// the failover engine can act on kind rather than on provider-specific text.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeModelNotSupported  = "model_not_supported"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeConcurrencyLimit   = "concurrency_limit_error"
	TypeThinkingSignature  = "thinking_signature_error"
	TypeFormatConversion   = "format_conversion_error"
	TypeEmbeddedError      = "embedded_error"
	TypeStreamProbe        = "stream_probe_error"
	TypeConnection         = "connection_error"
	TypeQuotaExceeded      = "quota_exceeded"
)

// GatewayError represents a standardized error from an upstream provider or
// from the dispatch engine itself. It contains everything error handling,
// candidate auditing, and the client response need.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// RetryAfter is set for rate-limit errors when the upstream supplied a
	// Retry-After header or equivalent.
	RetryAfter time.Duration `json:"-"`

	// UpstreamBody carries the capped upstream response body for failover
	// classification and for the usage row. Never returned to clients.
	UpstreamBody string `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// Unwrap exposes the wrapped cause, if any.
func (e *GatewayError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error and returns the receiver.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.cause = err
	return e
}

// WithBody attaches the upstream response body and returns the receiver.
func (e *GatewayError) WithBody(body string) *GatewayError {
	e.UpstreamBody = body
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewModelNotSupportedError reports a model name that resolves to no active
// global model.
func NewModelNotSupportedError(model string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusNotFound,
		Message:    fmt.Sprintf("model %q is not supported", model),
		Type:       TypeModelNotSupported,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewConnectionError creates a transport-level error (connect, reset, EOF).
// StatusCode stays 0: no HTTP exchange completed.
func NewConnectionError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: 0,
		Message:    message,
		Type:       TypeConnection,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewConcurrencyLimitError reports that every admissible key for a candidate
// was at its per-minute limit. The candidate is skipped, not failed.
func NewConcurrencyLimitError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeConcurrencyLimit,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewThinkingSignatureError reports an upstream 400 caused by stale thinking
// signatures in the conversation history. Eligible for in-place
// rectification and one extra retry on the same candidate.
func NewThinkingSignatureError(provider, model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeThinkingSignature,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewFormatConversionError reports a request or stream that cannot be
// translated between wire formats. Never retried on the same candidate.
func NewFormatConversionError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeFormatConversion,
		Retryable:  false,
	}
}

// NewEmbeddedError reports an HTTP 200 response whose body carries an error
// payload. statusCode is the code extracted from the payload, 0 if none.
func NewEmbeddedError(provider, model, message string, statusCode int) *GatewayError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &GatewayError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeEmbeddedError,
		Provider:   provider,
		Model:      model,
		Retryable:  statusCode >= 500 || statusCode == http.StatusTooManyRequests,
	}
}

// NewStreamProbeError reports a stream that failed before its first data
// chunk arrived (timeout, immediate EOF, or a failover pattern match).
func NewStreamProbeError(provider, message string, statusCode int) *GatewayError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &GatewayError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeStreamProbe,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewQuotaExceededError reports a key whose provider-type quota snapshot is
// exhausted. The candidate is skipped, not failed.
func NewQuotaExceededError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeQuotaExceeded,
		Provider:   provider,
		Retryable:  false,
	}
}

// IsCooldownRequired determines whether a key should be cooled down based on
// the upstream status. Rate limits, auth errors, timeouts, and not-found
// trigger cooldown; other 4xx are client errors and do not.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests, // 429
			http.StatusUnauthorized,   // 401
			http.StatusForbidden,      // 403
			http.StatusRequestTimeout, // 408
			http.StatusNotFound:       // 404
			return true
		default:
			return false
		}
	}
	// All 5xx errors trigger cooldown
	return statusCode >= 500
}
