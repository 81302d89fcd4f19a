// Package memory maintains the rolling text summaries the simulation reads
// its past through, at three granularities: per NPC, per session, and per
// day.
//
// Every persisted message is appended to all three buffers as a stamped
// line. Whenever a buffer outgrows the configured context budget, a
// compression job is queued on a bounded worker pool; the job rewrites the
// buffer through a summarizing LLM and commits the shorter text under the
// store's write lock. A per-key in-flight marker guarantees at most one
// compression job per buffer at a time. Markers are process-local on
// purpose: after a restart the next append simply re-triggers compression.
//
// The service also owns the ephemeral per-partner conversation contexts
// consumed by the speaker, and the optional semantic message index used for
// recall-based prompt enrichment.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/provider/embeddings"
	"github.com/talewind-ai/talewind/pkg/store"
)

// SummarySeed is what [Service.SessionSummary] returns before any dialogue
// has happened. Scheduler prompts read better with it than with an empty
// string.
const SummarySeed = "no conversations yet, this is the beginning of the new game"

// summaryTemperature keeps compression output stable across runs.
const summaryTemperature = 0.2

// DefaultSummaryTimeout bounds one compression LLM call.
const DefaultSummaryTimeout = 30 * time.Second

// Config holds the memory budgets and the summarization route.
type Config struct {
	// TokenBudget is the context budget in tokens. Zero selects the
	// fallback character budget of 4000.
	TokenBudget int

	// AvgCharsPerToken converts the token budget to characters. Zero means 4.
	AvgCharsPerToken int

	// Workers and QueueSize dimension the background pool. Zeroes select
	// the pool defaults.
	Workers   int
	QueueSize int

	// SummaryRoute is the LLM target chain for compression calls.
	SummaryRoute llmclient.Route

	// SummaryTimeout bounds one compression call. Zero means
	// [DefaultSummaryTimeout].
	SummaryTimeout time.Duration
}

// MaxContextLength returns the character budget a buffer may grow to before
// compression triggers: 80% of TokenBudget × AvgCharsPerToken, or 4000 when
// no token budget is configured.
func (c Config) MaxContextLength() int {
	if c.TokenBudget <= 0 {
		return 4000
	}
	avg := c.AvgCharsPerToken
	if avg <= 0 {
		avg = 4
	}
	return int(float64(c.TokenBudget*avg) * 0.8)
}

// summaryTimeout returns the effective compression call timeout.
func (c Config) summaryTimeout() time.Duration {
	if c.SummaryTimeout > 0 {
		return c.SummaryTimeout
	}
	return DefaultSummaryTimeout
}

// OperationError reports a memory append or bookkeeping failure.
type OperationError struct {
	// Op names the failing operation, e.g. "append npc summary".
	Op string

	// Key identifies the affected buffer or row.
	Key string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("memory: %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OperationError) Unwrap() error { return e.Err }

// Service is the memory layer. Safe for concurrent use.
type Service struct {
	store   store.Store
	client  *llmclient.Client
	lib     *prompt.Library
	cfg     Config
	pool    *Pool
	logger  *slog.Logger
	metrics *observe.Metrics

	// Optional semantic index; both must be set for indexing to happen.
	embedder embeddings.Provider
	index    store.SemanticIndex

	// In-flight compression markers, one namespace per granularity.
	mu       sync.Mutex
	inFlight map[string]bool

	// Ephemeral per-partner conversation contexts: npc → partner → lines.
	ctxMu    sync.Mutex
	contexts map[string]map[string][]string
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables compression metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSemanticIndex enables background embedding of every recorded message
// into idx, and [Service.Recall] over it.
func WithSemanticIndex(embedder embeddings.Provider, idx store.SemanticIndex) Option {
	return func(s *Service) {
		s.embedder = embedder
		s.index = idx
	}
}

// NewService creates the memory service. Call [Service.Start] before
// recording messages and [Service.Close] on shutdown.
func NewService(st store.Store, client *llmclient.Client, lib *prompt.Library, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		client:   client,
		lib:      lib,
		cfg:      cfg,
		pool:     NewPool(cfg.Workers, cfg.QueueSize),
		logger:   slog.Default(),
		inFlight: make(map[string]bool),
		contexts: make(map[string]map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the background worker pool.
func (s *Service) Start(ctx context.Context) { s.pool.Start(ctx) }

// Close stops the worker pool and waits for running jobs.
func (s *Service) Close() { s.pool.Close() }

// MaxContextLength exposes the effective character budget.
func (s *Service) MaxContextLength() int { return s.cfg.MaxContextLength() }

// StampLine renders the canonical buffer line for one message.
func StampLine(day int, period store.TimePeriod, sender, receiver, text string) string {
	return fmt.Sprintf("[Day %d %s] %s -> %s: %s", day, period, sender, receiver, text)
}

// appendBuffer grows a rolling buffer by one line.
func appendBuffer(buf, line string) string {
	if buf == "" {
		return line
	}
	return buf + "\n" + line
}

// RecordMessage appends the stamped message line to the sender's and
// receiver's NPC buffers, the session buffer, and the day buffer, checking
// each against the context budget. Appends are independent: one failing
// buffer does not stop the others, and all failures are joined into the
// returned error.
func (s *Service) RecordMessage(ctx context.Context, sessionID string, day int, period store.TimePeriod, msg *store.Message) error {
	line := StampLine(day, period, msg.Sender, msg.Receiver, msg.Text)

	var errs []error
	for _, npc := range []string{msg.Sender, msg.Receiver} {
		if err := s.appendNPC(ctx, sessionID, npc, line); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.appendSession(ctx, sessionID, line); err != nil {
		errs = append(errs, err)
	}
	if err := s.appendDay(ctx, sessionID, day, period, line); err != nil {
		errs = append(errs, err)
	}

	s.maybeIndexMessage(sessionID, day, msg, line)
	return errors.Join(errs...)
}

// appendNPC grows one character's rolling summary and triggers compression
// past the budget.
func (s *Service) appendNPC(ctx context.Context, sessionID, npc, line string) error {
	length := 0
	_, err := s.store.UpdateNPCMemoryFn(ctx, npc, sessionID, func(mem *store.NPCMemory) error {
		mem.MessagesSummary = appendBuffer(mem.MessagesSummary, line)
		mem.MessagesSummaryLength = store.TextLength(mem.MessagesSummary)
		length = mem.MessagesSummaryLength
		return nil
	})
	if err != nil {
		return &OperationError{Op: "append npc summary", Key: npc, Err: err}
	}
	if length > s.cfg.MaxContextLength() {
		s.maybeCompress(npcKey(sessionID, npc), func(jobCtx context.Context) {
			s.compressNPC(jobCtx, sessionID, npc)
		})
	}
	return nil
}

// appendSession grows the session-wide rolling summary.
func (s *Service) appendSession(ctx context.Context, sessionID, line string) error {
	length := 0
	_, err := s.store.UpdateSessionFn(ctx, sessionID, func(sess *store.Session) error {
		sess.SessionSummary = appendBuffer(sess.SessionSummary, line)
		sess.SessionSummaryLength = store.TextLength(sess.SessionSummary)
		length = sess.SessionSummaryLength
		return nil
	})
	if err != nil {
		return &OperationError{Op: "append session summary", Key: sessionID, Err: err}
	}
	if length > s.cfg.MaxContextLength() {
		s.maybeCompress(sessionKey(sessionID), func(jobCtx context.Context) {
			s.compressSession(jobCtx, sessionID)
		})
	}
	return nil
}

// appendDay grows the day's rolling summary, creating the day row when the
// message beats the dialogue bookkeeping to it.
func (s *Service) appendDay(ctx context.Context, sessionID string, day int, period store.TimePeriod, line string) error {
	length := 0
	mutate := func(d *store.Day) error {
		d.DaySummary = appendBuffer(d.DaySummary, line)
		d.DaySummaryLength = store.TextLength(d.DaySummary)
		length = d.DaySummaryLength
		return nil
	}
	_, err := s.store.UpdateDayFn(ctx, sessionID, day, mutate)
	if store.IsNotFound(err) {
		if cerr := s.store.CreateDay(ctx, &store.Day{
			SessionID:  sessionID,
			Day:        day,
			StartedAt:  time.Now().UTC(),
			TimePeriod: period,
		}); cerr != nil {
			return &OperationError{Op: "create day row", Key: dayKey(sessionID, day), Err: cerr}
		}
		_, err = s.store.UpdateDayFn(ctx, sessionID, day, mutate)
	}
	if err != nil {
		return &OperationError{Op: "append day summary", Key: dayKey(sessionID, day), Err: err}
	}
	if length > s.cfg.MaxContextLength() {
		s.maybeCompress(dayKey(sessionID, day), func(jobCtx context.Context) {
			s.compressDay(jobCtx, sessionID, day)
		})
	}
	return nil
}

// SessionSummary returns the accumulated session summary, or [SummarySeed]
// when nothing has been recorded yet.
func (s *Service) SessionSummary(ctx context.Context, sessionID string) string {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess.SessionSummary == "" {
		return SummarySeed
	}
	return sess.SessionSummary
}

// EnsureNPCMemory creates the memory row for a character if it does not
// exist yet. Properties are written once; an existing row is left untouched.
func (s *Service) EnsureNPCMemory(ctx context.Context, sessionID string, props store.CharacterProperties) error {
	_, err := s.store.GetNPCMemory(ctx, props.Name, sessionID)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return &OperationError{Op: "ensure npc memory", Key: props.Name, Err: err}
	}

	mem := &store.NPCMemory{
		NPCName:        props.Name,
		SessionID:      sessionID,
		Properties:     props,
		DialogueIDs:    []string{},
		OpinionOnNPCs:  map[string]string{},
		WorldKnowledge: map[string]any{},
		SocialStance:   map[string]string{},
	}
	if err := s.store.UpsertNPCMemory(ctx, mem); err != nil {
		return &OperationError{Op: "ensure npc memory", Key: props.Name, Err: err}
	}
	return nil
}

// RegisterDialogue appends the dialogue ID to both participants' memory
// rows. The session and day lists are maintained by the store itself.
func (s *Service) RegisterDialogue(ctx context.Context, sessionID, dialogueID string, participants ...string) error {
	var errs []error
	for _, npc := range participants {
		_, err := s.store.UpdateNPCMemoryFn(ctx, npc, sessionID, func(mem *store.NPCMemory) error {
			for _, id := range mem.DialogueIDs {
				if id == dialogueID {
					return nil
				}
			}
			mem.DialogueIDs = append(mem.DialogueIDs, dialogueID)
			return nil
		})
		if err != nil {
			errs = append(errs, &OperationError{Op: "register dialogue", Key: npc, Err: err})
		}
	}
	return errors.Join(errs...)
}

// SeedNeutralOpinions gives every ordered pair of names a "Neutral" opinion
// where none exists yet, so first dialogues have a baseline to reference.
func (s *Service) SeedNeutralOpinions(ctx context.Context, sessionID string, names []string) error {
	var errs []error
	for _, npc := range names {
		_, err := s.store.UpdateNPCMemoryFn(ctx, npc, sessionID, func(mem *store.NPCMemory) error {
			if mem.OpinionOnNPCs == nil {
				mem.OpinionOnNPCs = make(map[string]string, len(names)-1)
			}
			for _, other := range names {
				if other == npc {
					continue
				}
				if _, ok := mem.OpinionOnNPCs[other]; !ok {
					mem.OpinionOnNPCs[other] = "Neutral"
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, &OperationError{Op: "seed opinions", Key: npc, Err: err})
		}
	}
	return errors.Join(errs...)
}

// ── in-flight markers ────────────────────────────────────────────────────

func npcKey(sessionID, npc string) string     { return "npc/" + sessionID + "/" + npc }
func sessionKey(sessionID string) string      { return "session/" + sessionID }
func dayKey(sessionID string, day int) string { return "day/" + sessionID + "/" + strconv.Itoa(day) }

// maybeCompress queues job unless one is already in flight for key. The
// marker is released by the job itself, or immediately when the pool
// rejects the submission so the next append can retry.
func (s *Service) maybeCompress(key string, job func(context.Context)) {
	s.mu.Lock()
	if s.inFlight[key] {
		s.mu.Unlock()
		return
	}
	s.inFlight[key] = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.MemoryJobsInFlight.Add(context.Background(), 1)
	}
	if !s.pool.Submit(job) {
		s.release(key)
		s.logger.Warn("memory pool full, compression deferred", "key", key)
	}
}

// release clears the in-flight marker for key.
func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MemoryJobsInFlight.Add(context.Background(), -1)
	}
}
