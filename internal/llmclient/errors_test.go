package llmclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/talewind-ai/talewind/pkg/provider/llm"
)

// ── status code mapping ──────────────────────────────────────────────────

// TestKindForStatus verifies the HTTP status to error kind table.
func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{401, KindUnauthorized},
		{402, KindUnauthorized},
		{403, KindUnauthorized},
		{408, KindTimeout},
		{504, KindTimeout},
		{500, KindUnavailable},
		{503, KindUnavailable},
		{520, KindUnavailable},
		{400, KindBadResponse},
		{422, KindBadResponse},
		{200, KindUnavailable},
	}
	for _, tt := range tests {
		if got := kindForStatus(tt.status); got != tt.want {
			t.Errorf("kindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// ── classify ─────────────────────────────────────────────────────────────

// TestClassify_APIError verifies that provider errors carrying a status code
// are classified by status, including when wrapped.
func TestClassify_APIError(t *testing.T) {
	err := llm.NewAPIError(429, "slow down")
	if got := classify(err); got != KindRateLimited {
		t.Errorf("classify(APIError 429) = %v, want %v", got, KindRateLimited)
	}

	wrapped := fmt.Errorf("openai: chat completion: %w", llm.NewAPIError(402, "payment required"))
	if got := classify(wrapped); got != KindUnauthorized {
		t.Errorf("classify(wrapped APIError 402) = %v, want %v", got, KindUnauthorized)
	}
}

// TestClassify_ContextDeadline verifies that deadline errors map to the
// timeout kind.
func TestClassify_ContextDeadline(t *testing.T) {
	if got := classify(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("classify(DeadlineExceeded) = %v, want %v", got, KindTimeout)
	}

	wrapped := fmt.Errorf("complete: %w", context.DeadlineExceeded)
	if got := classify(wrapped); got != KindTimeout {
		t.Errorf("classify(wrapped DeadlineExceeded) = %v, want %v", got, KindTimeout)
	}
}

// TestClassify_ErrorPassthrough verifies that an already classified error
// keeps its kind.
func TestClassify_ErrorPassthrough(t *testing.T) {
	err := &Error{Kind: KindBadResponse, Provider: "mock", Model: "m", Err: errors.New("empty completion")}
	if got := classify(err); got != KindBadResponse {
		t.Errorf("classify(*Error) = %v, want %v", got, KindBadResponse)
	}
}

// TestClassify_MessageHeuristics verifies classification of untyped errors
// by message content.
func TestClassify_MessageHeuristics(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"rate limit exceeded, try again later", KindRateLimited},
		{"HTTP 429 returned by upstream", KindRateLimited},
		{"Unauthorized: invalid API key provided", KindUnauthorized},
		{"insufficient_quota: billing hard limit reached", KindUnauthorized},
		{"request timeout while awaiting headers", KindTimeout},
		{"context deadline exceeded elsewhere", KindTimeout},
		{"connection refused", KindUnavailable},
		{"something completely different", KindUnavailable},
	}
	for _, tt := range tests {
		if got := classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

// ── Error type ───────────────────────────────────────────────────────────

// TestErrorKindString verifies the name of every kind.
func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindUnavailable, "unavailable"},
		{KindTimeout, "timeout"},
		{KindRateLimited, "rate_limited"},
		{KindUnauthorized, "unauthorized"},
		{KindBadResponse, "bad_response"},
		{ErrorKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

// TestError_MessageAndUnwrap verifies the error string and cause unwrapping.
func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: KindUnavailable, Provider: "openai", Model: "gpt-4o-mini", Err: cause}

	want := "llm call openai/gpt-4o-mini: unavailable: boom"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match the wrapped cause")
	}
}
