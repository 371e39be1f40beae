package errors

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestIsCooldownRequired(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		// Should trigger cooldown
		{"rate limit 429", http.StatusTooManyRequests, true},
		{"unauthorized 401", http.StatusUnauthorized, true},
		{"forbidden 403", http.StatusForbidden, true},
		{"timeout 408", http.StatusRequestTimeout, true},
		{"not found 404", http.StatusNotFound, true},
		{"internal error 500", http.StatusInternalServerError, true},
		{"bad gateway 502", http.StatusBadGateway, true},
		{"service unavailable 503", http.StatusServiceUnavailable, true},

		// Should NOT trigger cooldown
		{"bad request 400", http.StatusBadRequest, false},
		{"conflict 409", http.StatusConflict, false},
		{"unprocessable 422", http.StatusUnprocessableEntity, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsCooldownRequired(tt.statusCode)
			if got != tt.want {
				t.Errorf("IsCooldownRequired(%d) = %v, want %v", tt.statusCode, got, tt.want)
			}
		})
	}
}

func TestGatewayError(t *testing.T) {
	t.Run("error message format", func(t *testing.T) {
		err := NewRateLimitError("openai", "gpt-4", "rate limit exceeded", 0)
		msg := err.Error()

		if msg == "" {
			t.Error("error message should not be empty")
		}

		// Should contain key information
		contains := []string{"rate_limit_error", "openai", "gpt-4", "429"}
		for _, s := range contains {
			if !strings.Contains(msg, s) {
				t.Errorf("error message should contain %q, got %q", s, msg)
			}
		}
	})

	t.Run("HTTP status codes", func(t *testing.T) {
		tests := []struct {
			name     string
			err      *GatewayError
			wantCode int
		}{
			{"auth error", NewAuthenticationError("p", "m", "msg"), 401},
			{"rate limit", NewRateLimitError("p", "m", "msg", 0), 429},
			{"bad request", NewInvalidRequestError("p", "m", "msg"), 400},
			{"not found", NewNotFoundError("p", "m", "msg"), 404},
			{"model not supported", NewModelNotSupportedError("m"), 404},
			{"timeout", NewTimeoutError("p", "m", "msg"), 408},
			{"unavailable", NewServiceUnavailableError("p", "m", "msg"), 503},
			{"internal", NewInternalError("p", "m", "msg"), 500},
			{"connection error defaults to 500", NewConnectionError("p", "m", "msg"), 500},
			{"format conversion", NewFormatConversionError("msg"), 502},
			{"concurrency limit", NewConcurrencyLimitError("p", "msg"), 429},
			{"thinking signature", NewThinkingSignatureError("p", "m", "msg"), 400},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.err.HTTPStatusCode(); got != tt.wantCode {
					t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantCode)
				}
			})
		}
	})

	t.Run("retryable flag", func(t *testing.T) {
		retryable := []*GatewayError{
			NewRateLimitError("p", "m", "msg", 0),
			NewTimeoutError("p", "m", "msg"),
			NewServiceUnavailableError("p", "m", "msg"),
			NewConnectionError("p", "m", "msg"),
			NewThinkingSignatureError("p", "m", "msg"),
			NewStreamProbeError("p", "msg", 0),
			NewConcurrencyLimitError("p", "msg"),
		}
		for _, err := range retryable {
			if !err.Retryable {
				t.Errorf("%s should be retryable", err.Type)
			}
		}

		notRetryable := []*GatewayError{
			NewAuthenticationError("p", "m", "msg"),
			NewInvalidRequestError("p", "m", "msg"),
			NewNotFoundError("p", "m", "msg"),
			NewModelNotSupportedError("m"),
			NewInternalError("p", "m", "msg"),
			NewFormatConversionError("msg"),
			NewQuotaExceededError("p", "msg"),
		}
		for _, err := range notRetryable {
			if err.Retryable {
				t.Errorf("%s should not be retryable", err.Type)
			}
		}
	})

	t.Run("retry after", func(t *testing.T) {
		err := NewRateLimitError("p", "m", "msg", 30*time.Second)
		if err.RetryAfter != 30*time.Second {
			t.Errorf("RetryAfter = %v, want 30s", err.RetryAfter)
		}
	})

	t.Run("embedded error retryability by code", func(t *testing.T) {
		if e := NewEmbeddedError("p", "m", "overloaded", 529); !e.Retryable {
			t.Error("embedded 529 should be retryable")
		}
		if e := NewEmbeddedError("p", "m", "bad input", 400); e.Retryable {
			t.Error("embedded 400 should not be retryable")
		}
		if e := NewEmbeddedError("p", "m", "unknown", 0); e.StatusCode != http.StatusBadGateway {
			t.Errorf("embedded error with no code should default to 502, got %d", e.StatusCode)
		}
	})
}
