package provider

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError means the provider asked the caller to slow down. The
// same cursor is retried after RetryAfter, when set.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "provider rate limited: " + e.Message
}

// AuthError means the provider rejected the connection's credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "provider rejected credentials: " + e.Message
}

// TransientError is a retryable failure: a 5xx response or a network error.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient provider error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify returns a short metric label for a provider call result.
func Classify(err error) string {
	var (
		rl   *RateLimitedError
		auth *AuthError
		tr   *TransientError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &tr):
		return "transient"
	default:
		return "error"
	}
}
