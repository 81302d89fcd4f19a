package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/resilience"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
	"github.com/talewind-ai/talewind/pkg/provider/llm/mock"
)

var (
	primaryTarget  = Target{Provider: "mock", Model: "primary"}
	fallbackTarget = Target{Provider: "mock", Model: "fallback"}
)

// resolverFor returns a resolver backed by a fixed target-key-to-provider map.
func resolverFor(providers map[string]llm.Provider) ResolverFunc {
	return func(target Target) (llm.Provider, error) {
		p, ok := providers[target.Key()]
		if !ok {
			return nil, fmt.Errorf("no provider for %s", target.Key())
		}
		return p, nil
	}
}

// fastClient builds a Client with backoff shrunk so retry tests stay fast.
func fastClient(resolver Resolver, opts ...Option) *Client {
	base := []Option{WithBaseDelay(time.Millisecond)}
	return New(resolver, append(base, opts...)...)
}

func textResponse(s string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content: s,
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// ── routes and targets ───────────────────────────────────────────────────

// TestTarget_Key verifies the cache key format.
func TestTarget_Key(t *testing.T) {
	target := Target{Provider: "anyllm:ollama", Model: "llama3.2"}
	if got, want := target.Key(), "anyllm:ollama/llama3.2"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

// TestRoute_Targets verifies that flattening preserves try order.
func TestRoute_Targets(t *testing.T) {
	route := Route{
		Primary: Target{Provider: "openai", Model: "gpt-4o-mini"},
		Fallbacks: []Target{
			{Provider: "anyllm:ollama", Model: "llama3.2"},
			{Provider: "mock", Model: "scripted"},
		},
	}

	targets := route.Targets()
	if len(targets) != 3 {
		t.Fatalf("Targets() returned %d entries, want 3", len(targets))
	}
	if targets[0] != route.Primary {
		t.Errorf("first target = %v, want primary %v", targets[0], route.Primary)
	}
	if targets[1] != route.Fallbacks[0] || targets[2] != route.Fallbacks[1] {
		t.Errorf("fallback order not preserved: %v", targets[1:])
	}
}

// ── basic calls ──────────────────────────────────────────────────────────

// TestCall_ReturnsTrimmedCompletion verifies the happy path: the request is
// translated into a completion request and the response text is trimmed.
func TestCall_ReturnsTrimmedCompletion(t *testing.T) {
	primary := &mock.Provider{CompleteResponse: textResponse("  Hello there!  \n")}
	client := New(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	got, err := client.Call(context.Background(), Request{
		AgentName:    "dialogue",
		System:       "You are Mira.",
		User:         "Say hello.",
		Temperature:  0.7,
		MaxTokens:    256,
		JSONResponse: true,
		Route:        Route{Primary: primaryTarget},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "Hello there!" {
		t.Errorf("Call = %q, want %q", got, "Hello there!")
	}

	if len(primary.CompleteCalls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(primary.CompleteCalls))
	}
	req := primary.CompleteCalls[0].Req
	if req.SystemPrompt != "You are Mira." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "Say hello." {
		t.Errorf("unexpected messages: %+v", req.Messages)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", req.MaxTokens)
	}
	if !req.JSONResponse {
		t.Error("JSONResponse flag not forwarded")
	}
}

// TestCall_MissingPrimary verifies that a request without a primary target
// is rejected.
func TestCall_MissingPrimary(t *testing.T) {
	client := New(resolverFor(nil))

	_, err := client.Call(context.Background(), Request{AgentName: "dialogue"})
	if err == nil {
		t.Fatal("expected error for empty route")
	}
	if !strings.Contains(err.Error(), "no primary target") {
		t.Errorf("unexpected error: %v", err)
	}
}

// ── retry behaviour ──────────────────────────────────────────────────────

// TestCall_RetriesTransientFailures verifies that generic failures are
// retried with backoff until the target recovers.
func TestCall_RetriesTransientFailures(t *testing.T) {
	primary := &mock.Provider{}
	primary.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if len(primary.CompleteCalls) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return textResponse("recovered"), nil
	}
	client := fastClient(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	got, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "recovered" {
		t.Errorf("Call = %q, want %q", got, "recovered")
	}
	if len(primary.CompleteCalls) != 3 {
		t.Errorf("provider called %d times, want 3", len(primary.CompleteCalls))
	}
}

// TestCall_ExhaustsAttemptsThenFails verifies the attempt budget and the
// classified error returned once a lone target keeps failing.
func TestCall_ExhaustsAttemptsThenFails(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("boom")}
	client := fastClient(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	_, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(primary.CompleteCalls) != 3 {
		t.Errorf("provider called %d times, want 3", len(primary.CompleteCalls))
	}

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *Error", err)
	}
	if ce.Kind != KindUnavailable {
		t.Errorf("Kind = %v, want %v", ce.Kind, KindUnavailable)
	}
	if ce.Provider != primaryTarget.Provider || ce.Model != primaryTarget.Model {
		t.Errorf("error target = %s/%s, want %s", ce.Provider, ce.Model, primaryTarget.Key())
	}
}

// TestCall_MaxAttemptsOption verifies that the attempt budget is
// configurable.
func TestCall_MaxAttemptsOption(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("boom")}
	client := fastClient(
		resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}),
		WithMaxAttempts(1),
	)

	_, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("provider called %d times, want 1", len(primary.CompleteCalls))
	}
}

// ── error-class specific routing ─────────────────────────────────────────

// TestCall_UnauthorizedAdvancesImmediately verifies that a 402 aborts the
// target without retrying and the next fallback serves the call.
func TestCall_UnauthorizedAdvancesImmediately(t *testing.T) {
	primary := &mock.Provider{CompleteErr: llm.NewAPIError(402, "payment required")}
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := fastClient(resolverFor(map[string]llm.Provider{
		primaryTarget.Key():  primary,
		fallbackTarget.Key(): fallback,
	}))

	got, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("Call = %q, want %q", got, "from fallback")
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1 (no retry on 402)", len(primary.CompleteCalls))
	}
	if len(fallback.CompleteCalls) != 1 {
		t.Errorf("fallback called %d times, want 1", len(fallback.CompleteCalls))
	}
}

// TestCall_RateLimitedRetriesOnce verifies that a 429 gets exactly one
// retry before the route advances.
func TestCall_RateLimitedRetriesOnce(t *testing.T) {
	primary := &mock.Provider{CompleteErr: llm.NewAPIError(429, "rate limited")}
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := fastClient(resolverFor(map[string]llm.Provider{
		primaryTarget.Key():  primary,
		fallbackTarget.Key(): fallback,
	}))

	got, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("Call = %q, want %q", got, "from fallback")
	}
	if len(primary.CompleteCalls) != 2 {
		t.Errorf("primary called %d times, want 2 (one retry on 429)", len(primary.CompleteCalls))
	}
}

// TestCall_TimeoutFallsBack verifies that a hanging target times out per
// attempt, gets one retry, and then the fallback serves the call.
func TestCall_TimeoutFallsBack(t *testing.T) {
	primary := &mock.Provider{}
	primary.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := fastClient(resolverFor(map[string]llm.Provider{
		primaryTarget.Key():  primary,
		fallbackTarget.Key(): fallback,
	}))

	got, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Timeout:   5 * time.Millisecond,
		Route:     Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("Call = %q, want %q", got, "from fallback")
	}
	if len(primary.CompleteCalls) != 2 {
		t.Errorf("primary called %d times, want 2 (one retry on timeout)", len(primary.CompleteCalls))
	}
}

// TestCall_TimeoutSetsAttemptDeadline verifies that Request.Timeout becomes
// a per-attempt context deadline.
func TestCall_TimeoutSetsAttemptDeadline(t *testing.T) {
	var sawDeadline bool
	primary := &mock.Provider{}
	primary.CompleteFn = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		_, sawDeadline = ctx.Deadline()
		return textResponse("ok"), nil
	}
	client := New(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	if _, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Timeout:   time.Second,
		Route:     Route{Primary: primaryTarget},
	}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !sawDeadline {
		t.Error("attempt context has no deadline")
	}
}

// TestCall_EmptyCompletionIsBadResponse verifies that blank completions are
// treated as bad responses and retried.
func TestCall_EmptyCompletionIsBadResponse(t *testing.T) {
	primary := &mock.Provider{CompleteResponse: textResponse("   \n")}
	client := fastClient(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	_, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *Error", err)
	}
	if ce.Kind != KindBadResponse {
		t.Errorf("Kind = %v, want %v", ce.Kind, KindBadResponse)
	}
	if len(primary.CompleteCalls) != 3 {
		t.Errorf("provider called %d times, want 3", len(primary.CompleteCalls))
	}
}

// ── total failure ────────────────────────────────────────────────────────

// TestCall_FallbackTextOnTotalFailure verifies that the configured fallback
// text is returned without error once every target has failed.
func TestCall_FallbackTextOnTotalFailure(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("boom")}
	fallback := &mock.Provider{CompleteErr: errors.New("boom too")}
	client := fastClient(resolverFor(map[string]llm.Provider{
		primaryTarget.Key():  primary,
		fallbackTarget.Key(): fallback,
	}))

	got, err := client.Call(context.Background(), Request{
		AgentName:    "dialogue",
		User:         "hi",
		Route:        Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
		FallbackText: "I need to go now. Goodbye!",
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "I need to go now. Goodbye!" {
		t.Errorf("Call = %q, want fallback text", got)
	}
	if len(primary.CompleteCalls) != 3 || len(fallback.CompleteCalls) != 3 {
		t.Errorf("attempts = %d/%d, want 3/3",
			len(primary.CompleteCalls), len(fallback.CompleteCalls))
	}
}

// TestCall_ErrorOnTotalFailureWithoutFallbackText verifies that total
// failure without fallback text surfaces the last classified error.
func TestCall_ErrorOnTotalFailureWithoutFallbackText(t *testing.T) {
	primary := &mock.Provider{CompleteErr: llm.NewAPIError(503, "overloaded")}
	client := fastClient(resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}))

	_, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a *Error", err)
	}
	if ce.Kind != KindUnavailable {
		t.Errorf("Kind = %v, want %v", ce.Kind, KindUnavailable)
	}
}

// ── cancellation ─────────────────────────────────────────────────────────

// TestCall_ContextCancelledStopsRoute verifies that caller cancellation
// aborts the whole route instead of degrading to fallback text.
func TestCall_ContextCancelledStopsRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	primary := &mock.Provider{}
	primary.CompleteFn = func(callCtx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		cancel()
		return nil, callCtx.Err()
	}
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := fastClient(resolverFor(map[string]llm.Provider{
		primaryTarget.Key():  primary,
		fallbackTarget.Key(): fallback,
	}))

	_, err := client.Call(ctx, Request{
		AgentName:    "dialogue",
		User:         "hi",
		Route:        Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
		FallbackText: "should not be used",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fallback.CompleteCalls) != 0 {
		t.Errorf("fallback called %d times after cancellation, want 0", len(fallback.CompleteCalls))
	}
}

// ── circuit breaker integration ──────────────────────────────────────────

// TestCall_BreakerSkipsOpenTarget verifies that a target whose breaker has
// opened is skipped on subsequent calls while the rest of the route serves.
func TestCall_BreakerSkipsOpenTarget(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("boom")}
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := fastClient(
		resolverFor(map[string]llm.Provider{
			primaryTarget.Key():  primary,
			fallbackTarget.Key(): fallback,
		}),
		WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Minute,
		}),
	)
	req := Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
	}

	// First call: two failures open the primary's breaker, fallback serves.
	got, err := client.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("first Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("first Call = %q, want %q", got, "from fallback")
	}
	if len(primary.CompleteCalls) != 2 {
		t.Fatalf("primary called %d times, want 2 before breaker opens", len(primary.CompleteCalls))
	}

	// Second call: the open breaker short-circuits the primary entirely.
	got, err = client.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("second Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("second Call = %q, want %q", got, "from fallback")
	}
	if len(primary.CompleteCalls) != 2 {
		t.Errorf("primary called %d times total, want still 2 (breaker open)", len(primary.CompleteCalls))
	}
	if len(fallback.CompleteCalls) != 2 {
		t.Errorf("fallback called %d times, want 2", len(fallback.CompleteCalls))
	}
}

// ── resolver behaviour ───────────────────────────────────────────────────

// TestCall_CachesResolvedProviders verifies that a target is resolved once
// and reused across calls.
func TestCall_CachesResolvedProviders(t *testing.T) {
	primary := &mock.Provider{CompleteResponse: textResponse("ok")}
	resolved := 0
	client := New(ResolverFunc(func(target Target) (llm.Provider, error) {
		resolved++
		return primary, nil
	}))
	req := Request{AgentName: "dialogue", User: "hi", Route: Route{Primary: primaryTarget}}

	for range 3 {
		if _, err := client.Call(context.Background(), req); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
	}
	if resolved != 1 {
		t.Errorf("resolver invoked %d times, want 1", resolved)
	}
}

// TestCall_ResolveFailureAdvances verifies that an unresolvable target is
// skipped in favour of the next one on the route.
func TestCall_ResolveFailureAdvances(t *testing.T) {
	fallback := &mock.Provider{CompleteResponse: textResponse("from fallback")}
	client := New(resolverFor(map[string]llm.Provider{
		fallbackTarget.Key(): fallback,
	}))

	got, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget, Fallbacks: []Target{fallbackTarget}},
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("Call = %q, want %q", got, "from fallback")
	}
}

// ── metrics ──────────────────────────────────────────────────────────────

// TestCall_RecordsMetrics verifies that successful calls are counted and
// token usage recorded.
func TestCall_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	primary := &mock.Provider{CompleteResponse: textResponse("ok")}
	client := New(
		resolverFor(map[string]llm.Provider{primaryTarget.Key(): primary}),
		WithMetrics(metrics),
	)

	if _, err := client.Call(context.Background(), Request{
		AgentName: "dialogue",
		User:      "hi",
		Route:     Route{Primary: primaryTarget},
	}); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	var requests, tokens int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch m.Name {
				case "talewind.llm.requests":
					requests += dp.Value
				case "talewind.llm.tokens":
					tokens += dp.Value
				}
			}
		}
	}
	if requests != 1 {
		t.Errorf("llm.requests = %d, want 1", requests)
	}
	if tokens != 15 {
		t.Errorf("llm.tokens = %d, want 15", tokens)
	}
}
