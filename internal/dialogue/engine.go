// Package dialogue runs bounded two-character conversations. The [Engine]
// alternates speaker turns until a message budget, a token budget, or
// enough goodbyes end the exchange, persists every message, and applies
// the post-dialogue social updates from one consistent snapshot.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/talewind-ai/talewind/internal/events"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/social"
	"github.com/talewind-ai/talewind/internal/speaker"
	"github.com/talewind-ai/talewind/pkg/store"
)

// Default conversation bounds.
const (
	DefaultMaxMessages       = 10
	DefaultMaxTokens         = 2000
	DefaultGoodbyeThreshold  = 2
	DefaultMessageTimeout    = 60 * time.Second
	DefaultTurnDelay         = 500 * time.Millisecond
	DefaultReputationTimeout = 20 * time.Second
)

// Message appends retry on transient store errors.
const (
	appendAttempts  = 3
	appendBaseDelay = 100 * time.Millisecond
)

// End reasons carried on a [Result].
const (
	ReasonMaxMessages = "max_messages"
	ReasonTokenBudget = "token_budget"
	ReasonGoodbye     = "goodbye"
)

// Params bound one dialogue. Zero fields select the defaults.
type Params struct {
	// MaxMessages caps the total message count.
	MaxMessages int

	// MaxTokens caps the estimated token total across all messages.
	MaxTokens int

	// GoodbyeThreshold is how many farewell messages end the conversation.
	GoodbyeThreshold int

	// MessageTimeout bounds one speaker call; a timed-out turn degrades to
	// the fallback line and winds the conversation down.
	MessageTimeout time.Duration

	// TurnDelay paces consecutive turns.
	TurnDelay time.Duration

	// ReputationTimeout bounds each post-dialogue reputation call.
	ReputationTimeout time.Duration
}

func (p Params) withDefaults() Params {
	if p.MaxMessages <= 0 {
		p.MaxMessages = DefaultMaxMessages
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.GoodbyeThreshold <= 0 {
		p.GoodbyeThreshold = DefaultGoodbyeThreshold
	}
	if p.MessageTimeout <= 0 {
		p.MessageTimeout = DefaultMessageTimeout
	}
	if p.TurnDelay <= 0 {
		p.TurnDelay = DefaultTurnDelay
	}
	if p.ReputationTimeout <= 0 {
		p.ReputationTimeout = DefaultReputationTimeout
	}
	return p
}

// Utterer produces one character line. *speaker.Speaker implements it.
type Utterer interface {
	GenerateMessage(ctx context.Context, req speaker.Request) (string, error)
}

// Recorder is the slice of the memory service the engine feeds.
// *memory.Service implements it.
type Recorder interface {
	RecordMessage(ctx context.Context, sessionID string, day int, period store.TimePeriod, msg *store.Message) error
	AppendConversationContext(npc, partner, line string)
	ConversationContext(npc, partner string) []string
	RegisterDialogue(ctx context.Context, sessionID, dialogueID string, participants ...string) error
}

// Agents bundles the social transducers applied during and after a
// dialogue. Nil entries are skipped.
type Agents struct {
	Opinion    *social.OpinionAgent
	Stance     *social.StanceAgent
	Knowledge  *social.KnowledgeAgent
	Reputation *social.ReputationAgent
}

// Request asks for one conversation between two rostered characters.
type Request struct {
	SessionID string
	Initiator string
	Responder string
	Day       int
	Period    store.TimePeriod
	Location  string
}

// Result summarises a finished dialogue.
type Result struct {
	// DialogueID is the persisted dialogue's ID.
	DialogueID string

	// Messages is the number of messages exchanged.
	Messages int

	// Tokens is the estimated token total.
	Tokens int

	// EndReason is one of the Reason constants.
	EndReason string
}

// Engine executes dialogues. Safe for concurrent use; concurrent requests
// for the same (initiator, responder, phase) are rejected.
type Engine struct {
	store   store.Store
	speaker Utterer
	memory  Recorder
	agents  Agents
	params  Params
	bus     *events.Bus
	metrics *observe.Metrics
	logger  *slog.Logger

	activeMu sync.Mutex
	active   map[string]bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables dialogue metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBus publishes dialogue lifecycle events to bus.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New creates an Engine.
func New(st store.Store, utterer Utterer, rec Recorder, agents Agents, params Params, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		speaker: utterer,
		memory:  rec,
		agents:  agents,
		params:  params.withDefaults(),
		logger:  slog.Default(),
		active:  make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteDialogue runs one full conversation and returns its summary.
// Request problems return a [*ValidationError] or [*StateError] before
// anything is persisted; mid-conversation failures end the dialogue
// best-effort and return a [*HandlerError].
func (e *Engine) ExecuteDialogue(ctx context.Context, req Request) (*Result, error) {
	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("dialogue: load session %s: %w", req.SessionID, err)
	}
	if req.Initiator == req.Responder {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s cannot talk to themselves", req.Initiator)}
	}
	for _, name := range []string{req.Initiator, req.Responder} {
		if _, ok := sess.Settings.Character(name); !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s is not in the roster", name)}
		}
	}

	key := activeKey(req)
	if !e.acquire(key) {
		return nil, &StateError{Key: key}
	}
	defer e.release(key)

	dlg, err := e.store.CreateDialogue(ctx, req.SessionID, req.Initiator, req.Responder,
		req.Day, req.Period, req.Location)
	if err != nil {
		return nil, fmt.Errorf("dialogue: create: %w", err)
	}

	started := time.Now()
	if e.metrics != nil {
		e.metrics.ActiveDialogues.Add(ctx, 1)
		defer e.metrics.ActiveDialogues.Add(context.WithoutCancel(ctx), -1)
	}
	if err := e.memory.RegisterDialogue(ctx, req.SessionID, dlg.ID, req.Initiator, req.Responder); err != nil {
		e.logger.Warn("dialogue registration failed", "dialogue", dlg.ID, "error", err)
	}
	e.publish(events.DialogueStarted, req, map[string]any{
		"dialogue_id": dlg.ID,
		"initiator":   req.Initiator,
		"responder":   req.Responder,
		"location":    req.Location,
	})

	result, err := e.converse(ctx, sess, dlg, req)
	if err != nil {
		e.abort(dlg.ID)
		e.recordDialogue(ctx, "aborted")
		return nil, &HandlerError{DialogueID: dlg.ID, Stage: "conversation", Err: err}
	}

	if err := e.conclude(ctx, sess, dlg, req); err != nil {
		e.recordDialogue(ctx, "aborted")
		return nil, &HandlerError{DialogueID: dlg.ID, Stage: "conclusion", Err: err}
	}

	if e.metrics != nil {
		e.metrics.DialogueDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(observe.Attr("reason", result.EndReason)))
	}
	e.recordDialogue(ctx, result.EndReason)
	e.publish(events.DialogueEnded, req, map[string]any{
		"dialogue_id": dlg.ID,
		"messages":    result.Messages,
		"tokens":      result.Tokens,
		"reason":      result.EndReason,
	})
	return result, nil
}

// converse runs the turn loop until a bound is hit. Only context
// cancellation and exhausted append retries surface as errors.
func (e *Engine) converse(ctx context.Context, sess *store.Session, dlg *store.Dialogue, req Request) (*Result, error) {
	res := &Result{DialogueID: dlg.ID}
	var goodbyes int
	incoming := ""
	sender, receiver := req.Initiator, req.Responder

	for {
		force := goodbyes > 0 ||
			res.Messages >= e.params.MaxMessages-2 ||
			res.Tokens*10 >= e.params.MaxTokens*9

		text := e.utter(ctx, speaker.Request{
			SessionID:     req.SessionID,
			Speaker:       sender,
			Partner:       receiver,
			Dialogue:      dlg,
			Incoming:      incoming,
			PriorMessages: res.Messages,
			ForceGoodbye:  force,
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if text == speaker.FallbackText {
			// A broken or timed-out speaker ends the conversation.
			goodbyes = e.params.GoodbyeThreshold
		}

		msg, err := e.appendWithRetry(ctx, dlg.ID, sender, receiver, text)
		if err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		res.Messages++
		res.Tokens += Tokens(text)
		if ContainsGoodbye(text) && goodbyes < e.params.GoodbyeThreshold {
			goodbyes++
		}

		line := sender + ": " + flatten(text)
		e.memory.AppendConversationContext(sender, receiver, line)
		e.memory.AppendConversationContext(receiver, sender, line)
		if err := e.memory.RecordMessage(ctx, req.SessionID, req.Day, req.Period, msg); err != nil {
			e.logger.Warn("memory record failed", "dialogue", dlg.ID, "error", err)
		}
		e.annotateOpinion(ctx, sess, msg)

		if e.metrics != nil {
			e.metrics.RecordDialogueMessage(ctx, sender)
		}
		e.publish(events.MessageAppended, req, map[string]any{
			"dialogue_id": dlg.ID,
			"message_id":  msg.ID,
			"sender":      sender,
			"receiver":    receiver,
			"text":        text,
		})

		switch {
		case res.Messages >= e.params.MaxMessages:
			res.EndReason = ReasonMaxMessages
			return res, nil
		case res.Tokens >= e.params.MaxTokens:
			res.EndReason = ReasonTokenBudget
			return res, nil
		case goodbyes >= e.params.GoodbyeThreshold:
			res.EndReason = ReasonGoodbye
			return res, nil
		}

		incoming = text
		sender, receiver = receiver, sender
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.params.TurnDelay):
		}
	}
}

// utter asks the speaker for one line, bounded by the message timeout. Any
// failure short of parent-context cancellation degrades to the fallback
// line.
func (e *Engine) utter(ctx context.Context, sreq speaker.Request) string {
	callCtx, cancel := context.WithTimeout(ctx, e.params.MessageTimeout)
	defer cancel()

	text, err := e.speaker.GenerateMessage(callCtx, sreq)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		e.logger.Warn("speaker failed, using fallback line",
			"speaker", sreq.Speaker, "error", err)
		return speaker.FallbackText
	}
	return text
}

// appendWithRetry persists one message, retrying transient store failures.
func (e *Engine) appendWithRetry(ctx context.Context, dialogueID, sender, receiver, text string) (*store.Message, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			delay := appendBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		msg, err := e.store.AppendMessage(ctx, dialogueID, sender, receiver, text)
		if err == nil {
			return msg, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// annotateOpinion lets the receiver judge the message they just heard and
// stores the verdict on both the message row and the receiver's memory.
// Failures only warn.
func (e *Engine) annotateOpinion(ctx context.Context, sess *store.Session, msg *store.Message) {
	if e.agents.Opinion == nil || !e.agents.Opinion.Enabled() {
		return
	}
	observer, ok := sess.Settings.Character(msg.Receiver)
	if !ok {
		return
	}

	opinion, err := e.agents.Opinion.Judge(ctx, social.OpinionInput{
		Observer:            observer,
		Recipient:           msg.Sender,
		IncomingMessage:     msg.Text,
		RecentDialogue:      strings.Join(e.memory.ConversationContext(msg.Receiver, msg.Sender), "\n"),
		RecipientReputation: sess.Reputations[msg.Sender],
	})
	if err != nil {
		e.logger.Warn("opinion agent failed", "observer", msg.Receiver, "error", err)
		return
	}

	if err := e.store.AnnotateMessage(ctx, msg.ID, "", opinion); err != nil {
		e.logger.Warn("message annotation failed", "message", msg.ID, "error", err)
	}
	_, err = e.store.UpdateNPCMemoryFn(ctx, msg.Receiver, sess.ID, func(m *store.NPCMemory) error {
		if m.OpinionOnNPCs == nil {
			m.OpinionOnNPCs = make(map[string]string)
		}
		m.OpinionOnNPCs[msg.Sender] = opinion
		return nil
	})
	if err != nil {
		e.logger.Warn("opinion persist failed", "observer", msg.Receiver, "error", err)
	}
}

// conclude ends the dialogue and applies the post-dialogue social updates
// from one pre-update snapshot.
func (e *Engine) conclude(ctx context.Context, sess *store.Session, dlg *store.Dialogue, req Request) error {
	msgs, err := e.store.GetMessages(ctx, dlg.ID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	text := renderDialogue(req, msgs)

	initiatorMem, aErr := e.store.GetNPCMemory(ctx, req.Initiator, sess.ID)
	responderMem, bErr := e.store.GetNPCMemory(ctx, req.Responder, sess.ID)

	if _, err := e.store.EndDialogue(ctx, dlg.ID, text); err != nil {
		return fmt.Errorf("end dialogue: %w", err)
	}

	if aErr != nil || bErr != nil {
		e.logger.Warn("skipping social updates, memory snapshot incomplete",
			"dialogue", dlg.ID, "initiator_err", aErr, "responder_err", bErr)
		return nil
	}
	e.applySocialUpdates(ctx, sess, initiatorMem, responderMem, text)
	return nil
}

// abort best-effort closes a dialogue whose conversation failed.
func (e *Engine) abort(dialogueID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.store.EndDialogue(ctx, dialogueID, ""); err != nil && !store.IsConflict(err) {
		e.logger.Warn("abort cleanup failed", "dialogue", dialogueID, "error", err)
	}
}

// renderDialogue flattens a finished conversation into the canonical text
// the social agents read.
func renderDialogue(req Request, msgs []*store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Day %d | %s | @ %s | Participants: %s and %s",
		req.Day, req.Period, req.Location, req.Initiator, req.Responder)
	for _, m := range msgs {
		b.WriteString("\n")
		b.WriteString(m.Sender)
		b.WriteString(": ")
		b.WriteString(flatten(m.Text))
	}
	return b.String()
}

// flatten collapses newlines so every message renders as one line.
func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func activeKey(req Request) string {
	return req.Initiator + "|" + req.Responder + "|" + string(req.Period)
}

func (e *Engine) acquire(key string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[key] {
		return false
	}
	e.active[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.activeMu.Lock()
	delete(e.active, key)
	e.activeMu.Unlock()
}

func (e *Engine) publish(typ events.Type, req Request, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      typ,
		SessionID: req.SessionID,
		Day:       req.Day,
		Period:    string(req.Period),
		Payload:   payload,
	})
}

func (e *Engine) recordDialogue(ctx context.Context, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDialogue(ctx, status)
}
