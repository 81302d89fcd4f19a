// Package llmclient provides the single entry point for every LLM call
// the simulation makes.
//
// A [Client] resolves (provider, model) targets through a [Resolver],
// retries transient failures with exponential backoff, walks an ordered
// fallback route when a target keeps failing, and guards every target with
// its own circuit breaker. Callers describe a call with a [Request] and
// get back trimmed completion text.
//
// Retry policy per target:
//
//   - unauthorized (401/402/403): no retry, advance to the next target
//   - rate limited (429) and timeouts: at most one retry, then advance
//   - everything else: up to three attempts with exponential backoff
//     (base 100 ms, factor 2, 10% jitter)
//
// When every target on the route has failed, Call returns the request's
// FallbackText if one is set, so non-interactive callers degrade to a
// canned line instead of an error.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/resilience"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond

	// limitedAttempts caps rate-limited and timed-out targets at one retry.
	limitedAttempts = 2
)

// Target identifies one (provider, model) pair on a route.
type Target struct {
	// Provider is a registry name such as "openai", "anyllm:ollama" or
	// "mock".
	Provider string

	// Model is the model identifier passed to the provider.
	Model string
}

// Key returns the stable cache key for this target.
func (t Target) Key() string { return t.Provider + "/" + t.Model }

// String returns the same representation as [Target.Key].
func (t Target) String() string { return t.Key() }

// Route is an ordered list of targets: the primary first, then fallbacks
// tried in order when the primary keeps failing.
type Route struct {
	Primary   Target
	Fallbacks []Target
}

// Targets returns the route flattened into try order.
func (r Route) Targets() []Target {
	out := make([]Target, 0, 1+len(r.Fallbacks))
	out = append(out, r.Primary)
	return append(out, r.Fallbacks...)
}

// Request describes one LLM call.
type Request struct {
	// AgentName labels the calling agent in logs and metrics, e.g.
	// "dialogue" or "reputation".
	AgentName string

	// System is the system prompt.
	System string

	// User is the user message driving the completion.
	User string

	// Temperature controls output randomness. Zero means the provider
	// default.
	Temperature float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int

	// JSONResponse asks the provider for strict JSON output where the
	// backend supports it.
	JSONResponse bool

	// Timeout bounds each individual attempt. Zero means no deadline
	// beyond whatever ctx already carries.
	Timeout time.Duration

	// Route lists the primary target and its fallbacks.
	Route Route

	// FallbackText, when non-empty, is returned instead of an error once
	// every target on the route has failed.
	FallbackText string
}

// Resolver turns a target into a ready [llm.Provider]. The config registry
// implements it; tests substitute a [ResolverFunc].
type Resolver interface {
	Resolve(target Target) (llm.Provider, error)
}

// ResolverFunc adapts a function to the [Resolver] interface.
type ResolverFunc func(Target) (llm.Provider, error)

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(t Target) (llm.Provider, error) { return f(t) }

// Client is the shared LLM gateway. It caches resolved providers and keeps
// one circuit breaker per target, so repeated failures against one backend
// stop burning attempts while the rest of the route stays usable.
//
// Client is safe for concurrent use.
type Client struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *observe.Metrics

	maxAttempts int
	baseDelay   time.Duration
	breakerCfg  resilience.CircuitBreakerConfig

	mu        sync.Mutex
	providers map[string]llm.Provider
	breakers  map[string]*resilience.CircuitBreaker
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics enables per-call metrics recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithMaxAttempts overrides the attempt budget for retryable failures.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay overrides the first backoff delay. Tests shrink it to keep
// retry paths fast.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithBreakerConfig overrides the per-target circuit breaker settings.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// New creates a Client that resolves providers through resolver.
func New(resolver Resolver, opts ...Option) *Client {
	c := &Client{
		resolver:    resolver,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		providers:   make(map[string]llm.Provider),
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call performs the request against the route, walking fallback targets
// until one produces a usable completion. The returned text is trimmed of
// surrounding whitespace.
//
// On total failure Call returns req.FallbackText when set, otherwise an
// error wrapping the last [*Error].
func (c *Client) Call(ctx context.Context, req Request) (string, error) {
	if req.Route.Primary.Provider == "" {
		return "", fmt.Errorf("llmclient: request for %q has no primary target", req.AgentName)
	}

	var lastErr error
	for _, target := range req.Route.Targets() {
		text, err := c.callTarget(ctx, target, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", fmt.Errorf("llmclient: %s: %w", req.AgentName, ctx.Err())
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Debug("skipping llm target (circuit open)",
				"agent", req.AgentName, "target", target.Key())
		} else {
			c.logger.Warn("llm target failed, trying next",
				"agent", req.AgentName, "target", target.Key(), "error", err)
		}
	}

	if req.FallbackText != "" {
		c.logger.Warn("all llm targets failed, using fallback text",
			"agent", req.AgentName, "error", lastErr)
		return req.FallbackText, nil
	}
	return "", fmt.Errorf("llmclient: %s: all targets failed: %w", req.AgentName, lastErr)
}

// callTarget runs the retry loop for a single target.
func (c *Client) callTarget(ctx context.Context, target Target, req Request) (string, error) {
	provider, breaker, err := c.lookup(target)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		var (
			text  string
			usage llm.Usage
		)
		start := time.Now()
		err := breaker.Execute(func() error {
			var attemptErr error
			text, usage, attemptErr = c.attempt(ctx, provider, req)
			return attemptErr
		})
		c.record(ctx, req.AgentName, target, start, usage, err)

		if err == nil {
			return text, nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err

		switch classify(err) {
		case KindUnauthorized:
			// Credentials will not improve on retry.
			return "", c.wrap(target, err)
		case KindRateLimited, KindTimeout:
			if attempt+1 >= limitedAttempts {
				return "", c.wrap(target, err)
			}
		}
	}
	return "", c.wrap(target, lastErr)
}

// attempt performs one completion against one provider.
func (c *Client) attempt(ctx context.Context, provider llm.Provider, req Request) (string, llm.Usage, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: req.User}},
		SystemPrompt: req.System,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		JSONResponse: req.JSONResponse,
	})
	if err != nil {
		return "", llm.Usage{}, err
	}
	if resp == nil {
		return "", llm.Usage{}, &Error{
			Kind: KindBadResponse,
			Err:  errors.New("nil response"),
		}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", resp.Usage, &Error{
			Kind: KindBadResponse,
			Err:  errors.New("empty completion"),
		}
	}
	return text, resp.Usage, nil
}

// wrap attaches target identity and classification to a provider error.
func (c *Client) wrap(target Target, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) && ce.Provider != "" {
		return ce
	}
	return &Error{
		Kind:     classify(err),
		Provider: target.Provider,
		Model:    target.Model,
		Err:      err,
	}
}

// lookup returns the cached provider and circuit breaker for a target,
// creating both on first use.
func (c *Client) lookup(target Target) (llm.Provider, *resilience.CircuitBreaker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := target.Key()
	provider, ok := c.providers[key]
	if !ok {
		var err error
		provider, err = c.resolver.Resolve(target)
		if err != nil {
			return nil, nil, fmt.Errorf("llmclient: resolve %s: %w", key, err)
		}
		c.providers[key] = provider
	}

	breaker, ok := c.breakers[key]
	if !ok {
		cfg := c.breakerCfg
		cfg.Name = key
		breaker = resilience.NewCircuitBreaker(cfg)
		c.breakers[key] = breaker
	}
	return provider, breaker, nil
}

// record emits per-attempt metrics. No-op without a metrics instance.
func (c *Client) record(ctx context.Context, agent string, target Target, start time.Time, usage llm.Usage, err error) {
	if c.metrics == nil {
		return
	}

	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		observe.Attr("provider", target.Provider),
		observe.Attr("model", target.Model),
	))

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLLMRequest(ctx, agent, target.Provider, status)

	switch {
	case err == nil:
		c.metrics.RecordLLMTokens(ctx, agent, usage.PromptTokens, usage.CompletionTokens)
	case !errors.Is(err, resilience.ErrCircuitOpen):
		c.metrics.RecordLLMError(ctx, target.Provider, classify(err).String())
	}
}
