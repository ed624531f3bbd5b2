package model

import (
	"errors"
	"fmt"
	"time"
)

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates the request was rejected as
	// invalid; repeating it unchanged will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient provider failure.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ErrRateLimited matches every RateLimitError via errors.Is.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// ProviderError describes a failure returned by a model provider.
	ProviderError struct {
		provider  string
		operation string
		http      int
		kind      ProviderErrorKind
		code      string
		message   string
		requestID string
		retryable bool
		cause     error
	}

	// RateLimitError reports that the provider throttled the call.
	RateLimitError struct {
		// Provider that throttled the call.
		Provider string
		// RetryAfter is the provider's hint, zero when absent.
		RetryAfter time.Duration
		// Err is the underlying provider failure.
		Err error
	}

	// TimeoutError reports that the call did not finish within its deadline.
	// Partial output is never returned alongside a TimeoutError.
	TimeoutError struct {
		Operation string
		After     time.Duration
		Err       error
	}
)

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, code, message, requestID string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		code:      code,
		message:   message,
		requestID: requestID,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier (for example, "openai").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code when available.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether repeating the call unchanged may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the original provider SDK error.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NewRateLimitError wraps a throttling ProviderError.
func NewRateLimitError(pe *ProviderError, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Provider: pe.Provider(), RetryAfter: retryAfter, Err: pe}
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limited", e.Provider)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is matches ErrRateLimited.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *TimeoutError) Error() string {
	op := e.Operation
	if op == "" {
		op = "model call"
	}
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", op, e.After)
	}
	return op + " timed out"
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Classify returns a RateLimitError for rate limited provider errors and err
// unchanged otherwise. Provider adapters call it on every SDK failure they
// have turned into a ProviderError.
func Classify(pe *ProviderError) error {
	if pe.Kind() == ProviderErrorKindRateLimited {
		return NewRateLimitError(pe, 0)
	}
	return pe
}

// KindFromStatus maps an HTTP status to a ProviderErrorKind and reports
// whether the failure is retryable.
func KindFromStatus(status int) (ProviderErrorKind, bool) {
	switch {
	case status == 401 || status == 403:
		return ProviderErrorKindAuth, false
	case status == 429:
		return ProviderErrorKindRateLimited, true
	case status == 408:
		return ProviderErrorKindUnavailable, true
	case status >= 400 && status < 500:
		return ProviderErrorKindInvalidRequest, false
	case status >= 500:
		return ProviderErrorKindUnavailable, true
	default:
		return ProviderErrorKindUnknown, false
	}
}
