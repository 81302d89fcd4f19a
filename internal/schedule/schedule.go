// Package schedule decides who talks to whom. Three daily passes feed the
// simulation loop: lifecycle picks the day's active cast, introduction
// optionally invents a new character, and the schedule pass proposes
// conversation pairs for every phase of the day.
//
// Every pass degrades deterministically when the model misbehaves:
// unparseable lifecycle output falls back to the full roster, a malformed
// introduction is a no-op, and a failed schedule call pairs the character
// with the first other active NPC.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talewind-ai/talewind/internal/events"
	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/store"
)

// Sampling temperatures per pass. Casting wants some variety, pairing
// wants stability.
const (
	lifecycleTemperature    = 0.5
	introductionTemperature = 0.6
	scheduleTemperature     = 0.2
)

// DefaultCharacterLimit is the roster size at which the introduction pass
// stops adding characters.
const DefaultCharacterLimit = 10

// DefaultTimeout bounds one scheduling LLM call.
const DefaultTimeout = 30 * time.Second

// Config holds the scheduler's routes and knobs.
type Config struct {
	// LifecycleRoute, IntroductionRoute, and ScheduleRoute are the LLM
	// target chains for the three passes.
	LifecycleRoute    llmclient.Route
	IntroductionRoute llmclient.Route
	ScheduleRoute     llmclient.Route

	// IntroductionEnabled gates the character introduction pass.
	IntroductionEnabled bool

	// CharacterLimit caps the roster for introductions. Zero means
	// [DefaultCharacterLimit].
	CharacterLimit int

	// Periods is the ordered list of phases a day runs through. Empty
	// means all five periods.
	Periods []store.TimePeriod

	// Timeout bounds one LLM call. Zero means [DefaultTimeout].
	Timeout time.Duration
}

func (c Config) characterLimit() int {
	if c.CharacterLimit > 0 {
		return c.CharacterLimit
	}
	return DefaultCharacterLimit
}

func (c Config) periods() []store.TimePeriod {
	if len(c.Periods) > 0 {
		return c.Periods
	}
	return store.AllPeriods
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// MemorySource is the slice of the memory service the scheduler reads and
// seeds. *memory.Service implements it.
type MemorySource interface {
	SessionSummary(ctx context.Context, sessionID string) string
	EnsureNPCMemory(ctx context.Context, sessionID string, props store.CharacterProperties) error
}

// Pair is one planned conversation: the initiator speaks first.
type Pair struct {
	Initiator string
	Responder string
}

// Roster is one day's lifecycle outcome.
type Roster struct {
	Active  []string
	Passive []string
}

// Scheduler runs the daily planning passes. Safe for concurrent use,
// though the simulation loop drives it sequentially.
type Scheduler struct {
	store  store.Store
	client *llmclient.Client
	lib    *prompt.Library
	memory MemorySource
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	rosters map[int]Roster                      // day → lifecycle outcome
	history map[int]map[store.TimePeriod][]Pair // day → phase → pairs
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithBus publishes introduction events to bus.
func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// New creates a Scheduler.
func New(st store.Store, client *llmclient.Client, lib *prompt.Library, mem MemorySource, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		client:  client,
		lib:     lib,
		memory:  mem,
		cfg:     cfg,
		logger:  slog.Default(),
		rosters: make(map[int]Roster),
		history: make(map[int]map[store.TimePeriod][]Pair),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Periods returns the configured ordered phase list.
func (s *Scheduler) Periods() []store.TimePeriod { return s.cfg.periods() }

// DayRoster returns the lifecycle outcome recorded for day, if any.
func (s *Scheduler) DayRoster(day int) (Roster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[day]
	return r, ok
}

// DayHistory returns the pairs scheduled for day, keyed by phase.
func (s *Scheduler) DayHistory(day int) map[store.TimePeriod][]Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[store.TimePeriod][]Pair, len(s.history[day]))
	for phase, pairs := range s.history[day] {
		out[phase] = append([]Pair(nil), pairs...)
	}
	return out
}

// BuildSchedule proposes conversation pairs for every phase of the day.
// Each active character is asked who they want to talk to; kept pairs are
// deduplicated in both orientations within a phase. A failed call pairs
// the character with the first other active NPC instead.
func (s *Scheduler) BuildSchedule(ctx context.Context, sess *store.Session, day int, active []string) (map[store.TimePeriod][]Pair, error) {
	opinions, err := s.opinionWeb(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("schedule: opinion web: %w", err)
	}
	summaries, err := s.memorySummaries(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("schedule: memory summaries: %w", err)
	}

	schedule := make(map[store.TimePeriod][]Pair, len(s.cfg.periods()))
	for _, phase := range s.cfg.periods() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		taken := make(map[Pair]bool)
		spoken := make(map[string][]string)
		var pairs []Pair

		for _, npc := range active {
			recipients := s.proposeRecipients(ctx, npc, day, phase, active, spoken[npc], summaries[npc], opinions[npc])
			for _, raw := range recipients {
				recipient, ok := MatchName(raw, active)
				if !ok || recipient == npc {
					continue
				}
				p := Pair{Initiator: npc, Responder: recipient}
				if taken[p] || taken[Pair{Initiator: recipient, Responder: npc}] {
					continue
				}
				taken[p] = true
				pairs = append(pairs, p)
				spoken[npc] = append(spoken[npc], recipient)
				spoken[recipient] = append(spoken[recipient], npc)
			}
		}
		schedule[phase] = pairs
	}

	s.mu.Lock()
	s.history[day] = schedule
	s.mu.Unlock()
	return schedule, nil
}

// proposeRecipients asks the model who npc should talk to in this phase.
// Any failure falls back to the first other active character.
func (s *Scheduler) proposeRecipients(ctx context.Context, npc string, day int, phase store.TimePeriod, active, spoken []string, summary, opinions string) []string {
	available := make([]string, 0, len(active)-1)
	for _, other := range active {
		if other != npc {
			available = append(available, other)
		}
	}
	if len(available) == 0 {
		return nil
	}

	vars := map[string]string{
		"npc_name":       npc,
		"day":            strconv.Itoa(day),
		"phase":          string(phase),
		"available":      strings.Join(available, ", "),
		"already_spoken": orNone(strings.Join(spoken, ", ")),
		"summary":        orNone(summary),
		"opinions":       orNone(opinions),
	}
	reply, err := s.call(ctx, "schedule", s.cfg.ScheduleRoute, scheduleTemperature, "schedule_system", "schedule_user", vars)
	if err != nil {
		s.logger.Warn("schedule pass failed, pairing with first available",
			"npc", npc, "phase", phase, "error", err)
		return available[:1]
	}
	return parse.CSV(reply)
}

// opinionWeb renders, per character, what they think of others and what
// others think of them.
func (s *Scheduler) opinionWeb(ctx context.Context, sessionID string) (map[string]string, error) {
	memories, err := s.store.ListNPCMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	web := make(map[string]string, len(memories))
	for _, mem := range memories {
		var lines []string
		for _, name := range sortedKeys(mem.OpinionOnNPCs) {
			lines = append(lines, fmt.Sprintf("%s thinks %s of %s", mem.NPCName, mem.OpinionOnNPCs[name], name))
		}
		for _, other := range memories {
			if op, ok := other.OpinionOnNPCs[mem.NPCName]; ok && other.NPCName != mem.NPCName {
				lines = append(lines, fmt.Sprintf("%s thinks %s of %s", other.NPCName, op, mem.NPCName))
			}
		}
		web[mem.NPCName] = strings.Join(lines, "; ")
	}
	return web, nil
}

// memorySummaries collects every character's rolling summary.
func (s *Scheduler) memorySummaries(ctx context.Context, sessionID string) (map[string]string, error) {
	memories, err := s.store.ListNPCMemories(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(memories))
	for _, mem := range memories {
		out[mem.NPCName] = mem.MessagesSummary
	}
	return out, nil
}

// call renders a system/user template pair and performs one LLM call.
func (s *Scheduler) call(ctx context.Context, agent string, route llmclient.Route, temperature float64, systemTmpl, userTmpl string, vars map[string]string) (string, error) {
	system, err := s.lib.Render(systemTmpl, vars)
	if err != nil {
		return "", err
	}
	user, err := s.lib.Render(userTmpl, vars)
	if err != nil {
		return "", err
	}
	return s.client.Call(ctx, llmclient.Request{
		AgentName:   agent,
		System:      system,
		User:        user,
		Temperature: temperature,
		Timeout:     s.cfg.timeout(),
		Route:       route,
	})
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
