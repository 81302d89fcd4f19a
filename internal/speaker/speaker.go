// Package speaker produces NPC utterances. A [Speaker] is stateless: it
// reads the roster and the character's memory, assembles a persona prompt,
// and asks the LLM for one line of dialogue. It never writes to the store.
//
// Failures degrade to [FallbackText] rather than errors so a flaky model
// ends a conversation instead of crashing it; only context cancellation
// propagates to the caller.
package speaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/store"
)

// FallbackText is spoken whenever a real utterance cannot be produced. It
// contains a goodbye phrase on purpose: a broken speaker winds the
// conversation down instead of stalling it.
const FallbackText = "I need to go now. Goodbye!"

// DefaultMessageTimeout bounds one utterance call.
const DefaultMessageTimeout = 60 * time.Second

// Per-branch sampling temperatures. Introductions stay factual, greetings
// loosen up a little, and in-conversation replies get the most freedom.
const (
	introduceTemperature = 0.6
	greetTemperature     = 0.7
	respondTemperature   = 0.9
)

// MemoryReader is the slice of the memory service the speaker consumes:
// the recent per-partner exchange and optional semantic recall.
type MemoryReader interface {
	ConversationContext(npc, partner string) []string
	Recall(ctx context.Context, sessionID, query string, k int) []string
}

// Config holds the speaker's LLM routing and reply constraints.
type Config struct {
	// Route is the target chain for utterance calls.
	Route llmclient.Route

	// MessageTimeout bounds one call. Zero means [DefaultMessageTimeout].
	MessageTimeout time.Duration

	// MaxReplyWords, when positive, adds a word-limit instruction to
	// in-conversation replies.
	MaxReplyWords int

	// RecallLines, when positive, enriches the persona prompt with that
	// many semantically similar past lines. Requires a memory reader with
	// a configured index.
	RecallLines int
}

func (c Config) messageTimeout() time.Duration {
	if c.MessageTimeout > 0 {
		return c.MessageTimeout
	}
	return DefaultMessageTimeout
}

// Request describes one utterance to produce.
type Request struct {
	// SessionID scopes roster and memory lookups.
	SessionID string

	// Speaker is the character who talks now; Partner is who they talk to.
	Speaker string
	Partner string

	// Dialogue is the running dialogue's snapshot, read for day, period
	// and location.
	Dialogue *store.Dialogue

	// Incoming is the partner's latest line. Empty on the opening turn.
	Incoming string

	// PriorMessages is how many messages the dialogue already holds.
	PriorMessages int

	// ForceGoodbye instructs the character to wrap the conversation up.
	ForceGoodbye bool
}

// Speaker turns requests into utterances. Safe for concurrent use.
type Speaker struct {
	store  store.Store
	client *llmclient.Client
	lib    *prompt.Library
	memory MemoryReader
	cfg    Config
	logger *slog.Logger
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.logger = l }
}

// WithMemory wires the conversation-context and recall source.
func WithMemory(m MemoryReader) Option {
	return func(s *Speaker) { s.memory = m }
}

// New creates a Speaker.
func New(st store.Store, client *llmclient.Client, lib *prompt.Library, cfg Config, opts ...Option) *Speaker {
	s := &Speaker{
		store:  st,
		client: client,
		lib:    lib,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GenerateMessage produces the speaker's next line. Resolution or model
// failures return [FallbackText] with a nil error; only a cancelled context
// surfaces as an error.
func (s *Speaker) GenerateMessage(ctx context.Context, req Request) (string, error) {
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		s.logger.Warn("speaker: session lookup failed", "session", req.SessionID, "error", err)
		return s.fallback(ctx)
	}

	props, ok := sess.Settings.Character(req.Speaker)
	if !ok {
		s.logger.Warn("speaker: unknown character", "name", req.Speaker)
		return s.fallback(ctx)
	}
	if _, ok := sess.Settings.Character(req.Partner); !ok {
		s.logger.Warn("speaker: unknown partner", "name", req.Partner)
		return s.fallback(ctx)
	}

	// A missing memory row just means a freshly introduced character.
	mem, err := s.store.GetNPCMemory(ctx, req.Speaker, req.SessionID)
	if err != nil {
		if !store.IsNotFound(err) {
			s.logger.Warn("speaker: memory lookup failed", "name", req.Speaker, "error", err)
			return s.fallback(ctx)
		}
		mem = &store.NPCMemory{NPCName: req.Speaker, SessionID: req.SessionID, Properties: props}
	}

	system, err := s.personaPrompt(ctx, req, props, mem)
	if err != nil {
		s.logger.Error("speaker: persona prompt failed", "name", req.Speaker, "error", err)
		return s.fallback(ctx)
	}

	call := llmclient.Request{
		AgentName:    "speaker",
		System:       system,
		Timeout:      s.cfg.messageTimeout(),
		Route:        s.cfg.Route,
		FallbackText: FallbackText,
	}

	_, knowsPartner := mem.OpinionOnNPCs[req.Partner]
	switch {
	case req.PriorMessages == 0 && !knowsPartner:
		call.Temperature = introduceTemperature
		call.User, err = s.lib.Render("introduce_user", map[string]string{
			"npc_name":  req.Speaker,
			"recipient": req.Partner,
		})
	case req.PriorMessages == 0:
		call.Temperature = greetTemperature
		call.User, err = s.lib.Render("greet_user", map[string]string{
			"npc_name":  req.Speaker,
			"recipient": req.Partner,
		})
	default:
		call.Temperature = respondTemperature
		call.System, call.User, err = s.respondPrompts(system, req, sess, mem)
	}
	if err != nil {
		s.logger.Error("speaker: prompt render failed", "name", req.Speaker, "error", err)
		return s.fallback(ctx)
	}

	text, err := s.client.Call(ctx, call)
	if err != nil {
		// FallbackText absorbs every model failure; what remains is
		// cancellation, which the engine must see.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("speaker: call failed", "name", req.Speaker, "error", err)
		return s.fallback(ctx)
	}
	return text, nil
}

// fallback returns the canned line unless the context is already dead.
func (s *Speaker) fallback(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return FallbackText, nil
}

// personaPrompt assembles the character's system prompt: persona block,
// scene line, and the wrap-up instruction when requested.
func (s *Speaker) personaPrompt(ctx context.Context, req Request, props store.CharacterProperties, mem *store.NPCMemory) (string, error) {
	location := mem.CurrentLocation
	if location == "" && req.Dialogue != nil {
		location = req.Dialogue.Location
	}

	persona, err := s.lib.Render("persona_system", map[string]string{
		"name":             props.Name,
		"story":            props.Story,
		"personality":      props.Personality,
		"role":             props.Role,
		"location_home":    props.LocationHome,
		"location_work":    props.LocationWork,
		"current_location": location,
		"extra_background": extraBackground(props),
		"memory_context":   s.memoryContext(ctx, req, mem),
		"style_rules":      styleRules(props),
	})
	if err != nil {
		return "", err
	}

	parts := []string{persona}
	if req.Dialogue != nil {
		scene, err := s.lib.Render("scene_line", map[string]string{
			"day":         strconv.Itoa(req.Dialogue.Day),
			"time_period": string(req.Dialogue.TimePeriod),
			"location":    req.Dialogue.Location,
		})
		if err != nil {
			return "", err
		}
		parts = append(parts, scene)
	}
	if req.ForceGoodbye {
		goodbye, err := s.lib.Render("force_goodbye_line", nil)
		if err != nil {
			return "", err
		}
		parts = append(parts, goodbye)
	}
	return strings.Join(parts, "\n\n"), nil
}

// respondPrompts extends the persona system prompt with the reply
// instructions and renders the user turn for an in-conversation response.
func (s *Speaker) respondPrompts(persona string, req Request, sess *store.Session, mem *store.NPCMemory) (string, string, error) {
	limitInstruction := ""
	if s.cfg.MaxReplyWords > 0 {
		limitInstruction = fmt.Sprintf("\n6. Keep your reply under %d words.", s.cfg.MaxReplyWords)
	}

	respondSystem, err := s.lib.Render("respond_system", map[string]string{
		"name":              req.Speaker,
		"dialogue_context":  s.dialogueContext(req),
		"social_context":    socialContext(req.Partner, sess, mem),
		"limit_instruction": limitInstruction,
	})
	if err != nil {
		return "", "", err
	}

	constraintNote := ""
	if req.ForceGoodbye {
		constraintNote = " This is your last line of the conversation; close it out and say goodbye."
	}
	user, err := s.lib.Render("respond_user", map[string]string{
		"npc_name":         req.Speaker,
		"sender_name":      req.Partner,
		"constraint_note":  constraintNote,
		"incoming_message": req.Incoming,
	})
	if err != nil {
		return "", "", err
	}
	return persona + "\n\n" + respondSystem, user, nil
}

// dialogueContext returns the recent exchange with the partner, one line
// per turn.
func (s *Speaker) dialogueContext(req Request) string {
	if s.memory == nil {
		return "(no prior exchange)"
	}
	lines := s.memory.ConversationContext(req.Speaker, req.Partner)
	if len(lines) == 0 {
		return "(no prior exchange)"
	}
	return strings.Join(lines, "\n")
}

// memoryContext builds the persona prompt's memory block from the
// character's rolling summary, knowledge, and relationships.
func (s *Speaker) memoryContext(ctx context.Context, req Request, mem *store.NPCMemory) string {
	var b strings.Builder

	if mem.MessagesSummary != "" {
		b.WriteString("What you remember:\n")
		b.WriteString(mem.MessagesSummary)
		b.WriteString("\n")
	}
	if len(mem.WorldKnowledge) > 0 {
		if raw, err := json.Marshal(mem.WorldKnowledge); err == nil {
			b.WriteString("What you know about the world: ")
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	if len(mem.OpinionOnNPCs) > 0 {
		b.WriteString("Your opinions of people:\n")
		b.WriteString(formatPairs(mem.OpinionOnNPCs))
	}
	if stance, ok := mem.SocialStance[req.Partner]; ok && stance != "" {
		fmt.Fprintf(&b, "Your current stance toward %s: %s\n", req.Partner, stance)
	}

	if s.memory != nil && s.cfg.RecallLines > 0 && req.Incoming != "" {
		if recalled := s.memory.Recall(ctx, req.SessionID, req.Incoming, s.cfg.RecallLines); len(recalled) > 0 {
			b.WriteString("Older moments that may be relevant:\n")
			for _, line := range recalled {
				b.WriteString("- ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
	}

	if b.Len() == 0 {
		return "You have no particular memories yet."
	}
	return strings.TrimRight(b.String(), "\n")
}

// socialContext summarizes the speaker's relationship with the partner for
// the reply instructions.
func socialContext(partner string, sess *store.Session, mem *store.NPCMemory) string {
	var parts []string
	if op, ok := mem.OpinionOnNPCs[partner]; ok && op != "" {
		parts = append(parts, fmt.Sprintf("Your opinion of %s: %s.", partner, op))
	}
	if stance, ok := mem.SocialStance[partner]; ok && stance != "" {
		parts = append(parts, fmt.Sprintf("Your stance toward them: %s.", stance))
	}
	if rep, ok := sess.Reputations[partner]; ok && rep != "" {
		parts = append(parts, fmt.Sprintf("Their reputation around town: %s.", rep))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("You have no settled view of %s yet.", partner)
	}
	return strings.Join(parts, " ")
}

// extraBackground renders the optional flavour attributes as additional
// background bullet lines.
func extraBackground(props store.CharacterProperties) string {
	var lines []string
	if len(props.Titles) > 0 {
		lines = append(lines, "- Titles: "+strings.Join(props.Titles, ", "))
	}
	if len(props.Abilities) > 0 {
		lines = append(lines, "- Abilities: "+strings.Join(props.Abilities, ", "))
	}
	if len(props.Motifs) > 0 {
		lines = append(lines, "- Recurring motifs: "+strings.Join(props.Motifs, ", "))
	}
	return strings.Join(lines, "\n")
}

// styleRules renders the optional speech-style constraint as one more
// roleplay rule.
func styleRules(props store.CharacterProperties) string {
	if props.SpeechStyle == "" {
		return ""
	}
	return "- Speak in this style: " + props.SpeechStyle
}

// formatPairs renders a name→value map as sorted bullet lines.
func formatPairs(m map[string]string) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, m[name])
	}
	return b.String()
}
