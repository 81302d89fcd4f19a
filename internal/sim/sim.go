// Package sim drives whole simulated days. The [Loop] loads or creates a
// session, runs the daily planning passes, walks the configured phases in
// order, and hands each planned pair to the dialogue engine. One dialogue
// failing is logged and skipped; only storage failures stop the run.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talewind-ai/talewind/internal/dialogue"
	"github.com/talewind-ai/talewind/internal/events"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/schedule"
	"github.com/talewind-ai/talewind/pkg/store"
)

// Dialoguer executes one planned conversation. *dialogue.Engine implements it.
type Dialoguer interface {
	ExecuteDialogue(ctx context.Context, req dialogue.Request) (*dialogue.Result, error)
}

// Planner runs the daily planning passes. *schedule.Scheduler implements it.
type Planner interface {
	Periods() []store.TimePeriod
	RunLifecycle(ctx context.Context, sess *store.Session, day int) (schedule.Roster, error)
	RunIntroduction(ctx context.Context, sess *store.Session, day int, active []string) (*store.CharacterProperties, error)
	BuildSchedule(ctx context.Context, sess *store.Session, day int, active []string) (map[store.TimePeriod][]schedule.Pair, error)
}

// MemoryKeeper is the slice of the memory service the loop seeds and
// resets. *memory.Service implements it.
type MemoryKeeper interface {
	EnsureNPCMemory(ctx context.Context, sessionID string, props store.CharacterProperties) error
	SeedNeutralOpinions(ctx context.Context, sessionID string, names []string) error
	ClearConversationContexts(npcs []string)
}

// Config holds the loop's session bootstrap settings.
type Config struct {
	// DefaultSettings is the world used when RunDays has to create the
	// session.
	DefaultSettings store.GameSettings
}

// Loop is the top-level day/phase driver.
type Loop struct {
	store   store.Store
	planner Planner
	engine  Dialoguer
	memory  MemoryKeeper
	cfg     Config
	bus     *events.Bus
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures a [Loop].
type Option func(*Loop)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithMetrics enables day metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithBus publishes day and phase events to bus.
func WithBus(b *events.Bus) Option {
	return func(lp *Loop) { lp.bus = b }
}

// New creates a Loop.
func New(st store.Store, planner Planner, engine Dialoguer, mem MemoryKeeper, cfg Config, opts ...Option) *Loop {
	lp := &Loop{
		store:   st,
		planner: planner,
		engine:  engine,
		memory:  mem,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(lp)
	}
	return lp
}

// RunDays simulates numDays full days of the session, creating it from the
// configured default settings when it does not exist yet. The run picks up
// at the session's persisted CurrentDay, so stopping and restarting the
// process continues the same timeline.
func (l *Loop) RunDays(ctx context.Context, sessionID string, numDays int) error {
	if numDays <= 0 {
		return fmt.Errorf("sim: numDays must be positive, got %d", numDays)
	}

	sess, err := l.loadOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := l.seedRoster(ctx, sess); err != nil {
		return err
	}

	for i := 0; i < numDays; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runDay(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// loadOrCreate fetches the session or creates it from the default settings.
func (l *Loop) loadOrCreate(ctx context.Context, sessionID string) (*store.Session, error) {
	if sessionID != "" {
		sess, err := l.store.GetSession(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("sim: load session %s: %w", sessionID, err)
		}
	}

	sess, err := l.store.CreateSession(ctx, sessionID, l.cfg.DefaultSettings)
	if err != nil {
		return nil, fmt.Errorf("sim: create session: %w", err)
	}
	l.logger.Info("session created",
		"session", sess.ID,
		"world", sess.Settings.WorldName,
		"characters", len(sess.Settings.Characters))
	l.publish(events.Event{Type: events.SessionCreated, SessionID: sess.ID})
	return sess, nil
}

// seedRoster ensures every rostered character has a memory row and a
// neutral opinion of every other character. Idempotent across restarts.
func (l *Loop) seedRoster(ctx context.Context, sess *store.Session) error {
	for _, c := range sess.Settings.Characters {
		if err := l.memory.EnsureNPCMemory(ctx, sess.ID, c); err != nil {
			return fmt.Errorf("sim: seed memory for %s: %w", c.Name, err)
		}
	}
	if err := l.memory.SeedNeutralOpinions(ctx, sess.ID, sess.Settings.CharacterNames()); err != nil {
		return fmt.Errorf("sim: seed opinions: %w", err)
	}
	return nil
}

// runDay executes one full simulated day and advances the session to the
// next one.
func (l *Loop) runDay(ctx context.Context, sess *store.Session) error {
	day := sess.CurrentDay
	start := time.Now()

	roster, err := l.planner.RunLifecycle(ctx, sess, day)
	if err != nil {
		return fmt.Errorf("sim: lifecycle day %d: %w", day, err)
	}
	if introduced, err := l.planner.RunIntroduction(ctx, sess, day, roster.Active); err != nil {
		return fmt.Errorf("sim: introduction day %d: %w", day, err)
	} else if introduced != nil {
		roster.Active = append(roster.Active, introduced.Name)
	}
	plan, err := l.planner.BuildSchedule(ctx, sess, day, roster.Active)
	if err != nil {
		return fmt.Errorf("sim: schedule day %d: %w", day, err)
	}

	if _, err := l.store.UpdateSessionFn(ctx, sess.ID, func(se *store.Session) error {
		se.ActiveNPCs = append([]string(nil), roster.Active...)
		return nil
	}); err != nil {
		return fmt.Errorf("sim: record active cast day %d: %w", day, err)
	}

	periods := l.planner.Periods()
	if err := l.store.CreateDay(ctx, &store.Day{
		SessionID:   sess.ID,
		Day:         day,
		StartedAt:   start,
		TimePeriod:  periods[0],
		ActiveNPCs:  append([]string(nil), roster.Active...),
		PassiveNPCs: append([]string(nil), roster.Passive...),
	}); err != nil {
		return fmt.Errorf("sim: create day %d: %w", day, err)
	}

	l.logger.Info("day started",
		"session", sess.ID, "day", day,
		"active", roster.Active, "passive", roster.Passive)
	l.publish(events.Event{
		Type: events.DayStarted, SessionID: sess.ID, Day: day,
		Payload: map[string]any{"active": roster.Active, "passive": roster.Passive},
	})

	for _, phase := range periods {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runPhase(ctx, sess, day, phase, plan[phase]); err != nil {
			return err
		}
	}

	return l.endDay(ctx, sess, day, start)
}

// runPhase moves every character to their location for the phase, advances
// the session clock, and runs the phase's planned dialogues in order.
func (l *Loop) runPhase(ctx context.Context, sess *store.Session, day int, phase store.TimePeriod, pairs []schedule.Pair) error {
	if err := l.placeCharacters(ctx, sess, phase); err != nil {
		return err
	}

	updated, err := l.store.UpdateSessionFn(ctx, sess.ID, func(se *store.Session) error {
		se.CurrentPeriod = phase
		return nil
	})
	if err != nil {
		return fmt.Errorf("sim: advance to %s day %d: %w", phase, day, err)
	}
	*sess = *updated

	if _, err := l.store.UpdateDayFn(ctx, sess.ID, day, func(d *store.Day) error {
		d.TimePeriod = phase
		return nil
	}); err != nil {
		return fmt.Errorf("sim: stamp period %s day %d: %w", phase, day, err)
	}

	l.publish(events.Event{
		Type: events.PhaseStarted, SessionID: sess.ID, Day: day, Period: string(phase),
		Payload: map[string]any{"dialogues": len(pairs)},
	})

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := dialogue.Request{
			SessionID: sess.ID,
			Initiator: pair.Initiator,
			Responder: pair.Responder,
			Day:       day,
			Period:    phase,
			Location:  l.locationOf(sess, pair.Responder, phase),
		}
		if _, err := l.engine.ExecuteDialogue(ctx, req); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return err
			}
			l.logger.Error("dialogue failed, continuing",
				"session", sess.ID, "day", day, "phase", phase,
				"initiator", pair.Initiator, "responder", pair.Responder,
				"error", err)
		}
	}
	return nil
}

// placeCharacters sets every character's current location for the phase:
// home in the morning and evening, work otherwise.
func (l *Loop) placeCharacters(ctx context.Context, sess *store.Session, phase store.TimePeriod) error {
	memories, err := l.store.ListNPCMemories(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("sim: list memories: %w", err)
	}
	for _, mem := range memories {
		location := locationFor(mem.Properties, phase)
		if mem.CurrentLocation == location {
			continue
		}
		if _, err := l.store.UpdateNPCMemoryFn(ctx, mem.NPCName, sess.ID, func(m *store.NPCMemory) error {
			m.CurrentLocation = location
			return nil
		}); err != nil {
			return fmt.Errorf("sim: place %s: %w", mem.NPCName, err)
		}
	}
	return nil
}

// endDay clears ephemeral conversation state, stamps the day row, and
// advances the session to the next day's first period.
func (l *Loop) endDay(ctx context.Context, sess *store.Session, day int, start time.Time) error {
	l.memory.ClearConversationContexts(sess.Settings.CharacterNames())

	ended := time.Now()
	if _, err := l.store.UpdateDayFn(ctx, sess.ID, day, func(d *store.Day) error {
		d.EndedAt = &ended
		return nil
	}); err != nil {
		return fmt.Errorf("sim: end day %d: %w", day, err)
	}

	updated, err := l.store.UpdateSessionFn(ctx, sess.ID, func(se *store.Session) error {
		se.CurrentDay = day + 1
		se.CurrentPeriod = l.planner.Periods()[0]
		return nil
	})
	if err != nil {
		return fmt.Errorf("sim: advance to day %d: %w", day+1, err)
	}
	*sess = *updated

	if l.metrics != nil {
		l.metrics.DayDuration.Record(ctx, time.Since(start).Seconds())
	}
	l.logger.Info("day ended", "session", sess.ID, "day", day, "took", time.Since(start))
	l.publish(events.Event{Type: events.DayEnded, SessionID: sess.ID, Day: day})
	return nil
}

// locationOf resolves where a character is during the phase, for use as the
// dialogue location.
func (l *Loop) locationOf(sess *store.Session, name string, phase store.TimePeriod) string {
	props, ok := sess.Settings.Character(name)
	if !ok {
		return ""
	}
	return locationFor(props, phase)
}

// locationFor applies the location policy: home for morning and evening,
// work for every other period.
func locationFor(props store.CharacterProperties, phase store.TimePeriod) string {
	switch phase {
	case store.Morning, store.Evening:
		return props.LocationHome
	default:
		return props.LocationWork
	}
}

func (l *Loop) publish(ev events.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}
