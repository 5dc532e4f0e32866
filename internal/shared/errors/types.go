// Package errors classifies failures from the store, the agent runtime, and
// notification sinks into transient and permanent kinds so callers can decide
// between retrying and latching.
package errors

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType describes how a failure should be treated by retry logic.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransient failures are expected to clear on retry.
	ErrorTypeTransient
	// ErrorTypePermanent failures will not succeed no matter how often retried.
	ErrorTypePermanent
	// ErrorTypeDegraded failures allow continuing with a fallback.
	ErrorTypeDegraded
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	cause    error
	kind     ErrorType
	message  string
	fallback string
}

func (e *classifiedError) Error() string {
	if e.message == "" {
		return e.cause.Error()
	}
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *classifiedError) Unwrap() error { return e.cause }

// NewTransientError wraps err as explicitly retryable.
func NewTransientError(err error, message string) error {
	return &classifiedError{cause: err, kind: ErrorTypeTransient, message: message}
}

// NewPermanentError wraps err as explicitly non-retryable.
func NewPermanentError(err error, message string) error {
	return &classifiedError{cause: err, kind: ErrorTypePermanent, message: message}
}

// NewDegradedError wraps err as recoverable through the named fallback.
func NewDegradedError(err error, message, fallback string) error {
	return &classifiedError{cause: err, kind: ErrorTypeDegraded, message: message, fallback: fallback}
}

// Fallback returns the fallback hint attached to a degraded error, if any.
func Fallback(err error) string {
	var ce *classifiedError
	if errors.As(err, &ce) && ce.kind == ErrorTypeDegraded {
		return ce.fallback
	}
	return ""
}

// IsTransient reports whether err looks retryable: explicit transient wrap,
// network timeouts, connection resets, rate limits, or 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind == ErrorTypeTransient
	}

	if isNetworkError(err) {
		return true
	}

	if code := extractHTTPStatusCode(err); code != 0 {
		return code == 429 || code >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"rate limit",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether err should not be retried: explicit permanent
// wrap, client errors other than 429, or local misconfiguration.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind == ErrorTypePermanent
	}

	if code := extractHTTPStatusCode(err); code != 0 {
		return code >= 400 && code < 500 && code != 429
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found",
		"permission denied",
		"unauthorized",
		"forbidden",
		"invalid request",
		"unsupported",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// GetErrorType classifies err into one of the ErrorType kinds.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}

	if IsTransient(err) {
		return ErrorTypeTransient
	}
	if IsPermanent(err) {
		return ErrorTypePermanent
	}
	return ErrorTypeUnknown
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		// Temporary is deprecated but still the signal older dialers give us.
		type temporary interface{ Temporary() bool }
		if t, ok := netErr.(temporary); ok && t.Temporary() {
			return true
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

var httpStatusPattern = regexp.MustCompile(`\b([45][0-9]{2})\b`)

// extractHTTPStatusCode pulls a 4xx/5xx status code out of error text like
// "HTTP 429: Too Many Requests" or "webhook returned status 503".
func extractHTTPStatusCode(err error) int {
	if err == nil {
		return 0
	}
	match := httpStatusPattern.FindStringSubmatch(err.Error())
	if len(match) != 2 {
		return 0
	}
	code, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return 0
	}
	return code
}

// Truncate shortens s to at most max bytes, appending an ellipsis marker when
// content was dropped. Error text persisted to run rows passes through this.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "..."
	if max <= len(marker) {
		return s[:max]
	}
	return s[:max-len(marker)] + marker
}
