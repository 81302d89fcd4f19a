package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies an LLM call failure so the retry loop can decide
// between retrying the same target and advancing to the next fallback.
type ErrorKind int

const (
	// KindUnavailable covers transient backend failures (5xx responses,
	// connection resets) that are worth a full retry cycle.
	KindUnavailable ErrorKind = iota

	// KindTimeout means an attempt exceeded its deadline.
	KindTimeout

	// KindRateLimited means the backend returned HTTP 429.
	KindRateLimited

	// KindUnauthorized means the backend rejected the credentials or the
	// account is out of quota (HTTP 401/402/403). Retrying cannot help.
	KindUnauthorized

	// KindBadResponse means the backend answered but the payload was
	// unusable, e.g. an empty completion or a malformed body.
	KindBadResponse
)

// String returns the kind's name.
func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// Error is the failure type produced by [Client.Call]. It records which
// target failed and why, and wraps the underlying provider error.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Provider and Model identify the failing target.
	Provider string
	Model    string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm call %s/%s: %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// statusCoder is implemented by provider errors that carry an HTTP status
// code, such as [llm.APIError].
type statusCoder interface {
	StatusCode() int
}

// classify maps an arbitrary provider error onto an [ErrorKind].
//
// Typed errors are preferred: an [*Error] keeps its kind, a context
// deadline becomes a timeout, and any error exposing an HTTP status code
// is mapped by status. Backends reached through any-llm-go surface
// failures as plain formatted strings, so the message is scanned as a
// last resort.
func classify(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return kindForStatus(sc.StatusCode())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "401"), strings.Contains(msg, "402"),
		strings.Contains(msg, "403"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"), strings.Contains(msg, "insufficient_quota"):
		return KindUnauthorized
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	}
	return KindUnavailable
}

// kindForStatus maps an HTTP status code onto an [ErrorKind].
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized,
		status == http.StatusPaymentRequired,
		status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout,
		status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindBadResponse
	default:
		return KindUnavailable
	}
}
