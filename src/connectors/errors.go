package connectors

import (
	"errors"
	"fmt"
	"time"
)

// Exchange retCodes that signal throttling.
const (
	retCodeTooManyVisits   = 10006
	retCodeIPRateLimited   = 10018
	retCodeSuccess         = 0
	retCodeOrderNotExists  = 110001
	retCodeOrderNotAllowed = 110010
)

// APIError is a structured non-throttling error returned by the
// exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// RateLimitError marks a throttling response (HTTP 429 or an exchange
// rate-limit retCode). It is always recoverable and is handled by the
// scheduler's backoff, never treated as fatal.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "exchange rate limit exceeded"
	}
	return fmt.Sprintf("exchange rate limit exceeded: %s", e.Message)
}

// IsRateLimit reports whether err (or anything it wraps) is a
// rate-limit signature.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsOrderNotFound reports whether err is the exchange's "order does
// not exist" rejection.
func IsOrderNotFound(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code == retCodeOrderNotExists
	}
	return false
}

// apiErrorFromCode converts a non-zero retCode into the matching
// structured error type.
func apiErrorFromCode(code int, msg string) error {
	if code == retCodeSuccess {
		return nil
	}
	if code == retCodeTooManyVisits || code == retCodeIPRateLimited {
		return &RateLimitError{Message: msg}
	}
	return &APIError{Code: code, Message: msg}
}
