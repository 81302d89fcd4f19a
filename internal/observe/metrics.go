// Package observe provides application-wide observability primitives for
// Talewind: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Talewind metrics.
const meterName = "github.com/talewind-ai/talewind"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks single LLM call latency.
	LLMDuration metric.Float64Histogram

	// DialogueDuration tracks full dialogue execution time, from opening
	// message to summary.
	DialogueDuration metric.Float64Histogram

	// DayDuration tracks wall-clock time per simulated day.
	DayDuration metric.Float64Histogram

	// CompressionDuration tracks background memory compression latency.
	CompressionDuration metric.Float64Histogram

	// --- Counters ---

	// LLMRequests counts LLM calls. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("provider", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMTokens counts tokens reported by providers. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("kind", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// DialogueMessages counts generated dialogue messages. Use with attribute:
	//   attribute.String("sender", ...)
	DialogueMessages metric.Int64Counter

	// Dialogues counts completed dialogues. Use with attribute:
	//   attribute.String("status", "completed"|"failed")
	Dialogues metric.Int64Counter

	// MemoryCompressions counts memory compression jobs. Use with attributes:
	//   attribute.String("npc", ...), attribute.String("status", ...)
	MemoryCompressions metric.Int64Counter

	// --- Error counters ---

	// LLMErrors counts LLM call errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	LLMErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveDialogues tracks the number of dialogues currently executing.
	ActiveDialogues metric.Int64UpDownCounter

	// MemoryJobsInFlight tracks queued plus running memory compression jobs.
	MemoryJobsInFlight metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// single LLM calls and compression jobs.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// dialogueBuckets covers full dialogues, which span many LLM calls.
var dialogueBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// dayBuckets covers whole simulated days.
var dayBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("talewind.llm.duration",
		metric.WithDescription("Latency of single LLM calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialogueDuration, err = m.Float64Histogram("talewind.dialogue.duration",
		metric.WithDescription("Wall-clock time per dialogue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dialogueBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DayDuration, err = m.Float64Histogram("talewind.day.duration",
		metric.WithDescription("Wall-clock time per simulated day."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(dayBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompressionDuration, err = m.Float64Histogram("talewind.memory.compression.duration",
		metric.WithDescription("Latency of background memory compression."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.LLMRequests, err = m.Int64Counter("talewind.llm.requests",
		metric.WithDescription("Total LLM calls by agent, provider, and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("talewind.llm.tokens",
		metric.WithDescription("Total tokens reported by providers, by agent and kind."),
	); err != nil {
		return nil, err
	}
	if met.DialogueMessages, err = m.Int64Counter("talewind.dialogue.messages",
		metric.WithDescription("Total generated dialogue messages by sender."),
	); err != nil {
		return nil, err
	}
	if met.Dialogues, err = m.Int64Counter("talewind.dialogues",
		metric.WithDescription("Total dialogues by completion status."),
	); err != nil {
		return nil, err
	}
	if met.MemoryCompressions, err = m.Int64Counter("talewind.memory.compressions",
		metric.WithDescription("Total memory compression jobs by NPC and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.LLMErrors, err = m.Int64Counter("talewind.llm.errors",
		metric.WithDescription("Total LLM call errors by provider and error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveDialogues, err = m.Int64UpDownCounter("talewind.active_dialogues",
		metric.WithDescription("Number of dialogues currently executing."),
	); err != nil {
		return nil, err
	}
	if met.MemoryJobsInFlight, err = m.Int64UpDownCounter("talewind.memory.jobs_in_flight",
		metric.WithDescription("Queued plus running memory compression jobs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talewind.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMRequest records an LLM call counter increment with the standard
// attribute set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, agent, provider, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordLLMTokens records prompt and completion token usage for one call.
func (m *Metrics) RecordLLMTokens(ctx context.Context, agent string, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt),
			metric.WithAttributes(
				attribute.String("agent", agent),
				attribute.String("kind", "prompt"),
			),
		)
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion),
			metric.WithAttributes(
				attribute.String("agent", agent),
				attribute.String("kind", "completion"),
			),
		)
	}
}

// RecordLLMError records an LLM error counter increment.
func (m *Metrics) RecordLLMError(ctx context.Context, provider, kind string) {
	m.LLMErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDialogueMessage records a generated message counter increment.
func (m *Metrics) RecordDialogueMessage(ctx context.Context, sender string) {
	m.DialogueMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sender", sender)),
	)
}

// RecordDialogue records a completed dialogue with its status.
func (m *Metrics) RecordDialogue(ctx context.Context, status string) {
	m.Dialogues.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordMemoryCompression records a finished memory compression job.
func (m *Metrics) RecordMemoryCompression(ctx context.Context, npc, status string) {
	m.MemoryCompressions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("npc", npc),
			attribute.String("status", status),
		),
	)
}
