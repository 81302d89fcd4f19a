// Package app wires all Talewind subsystems into a running simulation.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, RunDays drives the simulation loop, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talewind-ai/talewind/internal/config"
	"github.com/talewind-ai/talewind/internal/dialogue"
	"github.com/talewind-ai/talewind/internal/events"
	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/memory"
	"github.com/talewind-ai/talewind/internal/observe"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/internal/schedule"
	"github.com/talewind-ai/talewind/internal/sim"
	"github.com/talewind-ai/talewind/internal/social"
	"github.com/talewind-ai/talewind/internal/speaker"
	"github.com/talewind-ai/talewind/pkg/provider/embeddings"
	"github.com/talewind-ai/talewind/pkg/store"
	"github.com/talewind-ai/talewind/pkg/store/postgres"
	"github.com/talewind-ai/talewind/pkg/store/sqlite"
)

// Providers holds the external model backends. Populated by main.go via the
// config registry. Embeddings may be nil; semantic recall is then disabled.
type Providers struct {
	Resolver   llmclient.Resolver
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the Talewind world loop.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems, initialised in New, torn down in Shutdown.
	store     store.Store
	semantic  store.SemanticIndex
	bus       *events.Bus
	metrics   *observe.Metrics
	client    *llmclient.Client
	library   *prompt.Library
	memory    *memory.Service
	speaker   *speaker.Speaker
	engine    *dialogue.Engine
	scheduler *schedule.Scheduler
	loop      *sim.Loop

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSemanticIndex injects a semantic message index. Only meaningful
// together with a non-nil embeddings provider.
func WithSemanticIndex(idx store.SemanticIndex) Option {
	return func(a *App) { a.semantic = idx }
}

// WithMetrics sets the metrics set. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBus injects an event bus instead of creating a fresh one.
func WithBus(b *events.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection, LLM
// client and prompt library construction, memory service, speaker, social
// agents, dialogue engine, scheduler, and the simulation loop.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Resolver == nil {
		return nil, fmt.Errorf("app: a provider resolver is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = events.NewBus()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. LLM client + prompt library ───────────────────────────────────
	a.client = llmclient.New(providers.Resolver,
		llmclient.WithLogger(a.logger),
		llmclient.WithMetrics(a.metrics),
	)
	lib, err := prompt.NewLibrary("")
	if err != nil {
		return nil, fmt.Errorf("app: load prompt library: %w", err)
	}
	a.library = lib

	// ── 3. Memory service ────────────────────────────────────────────────
	a.initMemory()

	// ── 4. Speaker + social agents + dialogue engine ─────────────────────
	a.initDialogue()

	// ── 5. Scheduler + simulation loop ───────────────────────────────────
	a.initLoop()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured backend unless a store was injected. On
// postgres with an embeddings provider present, the semantic side table is
// enabled and sized to the provider's output dimension.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		pgOpts := []postgres.Option{}
		dims := a.cfg.Storage.Postgres.EmbeddingDimensions
		if dims == 0 && a.providers.Embeddings != nil {
			dims = a.providers.Embeddings.Dimensions()
		}
		if a.providers.Embeddings != nil && dims > 0 {
			pgOpts = append(pgOpts, postgres.WithSemanticIndex(dims))
		}
		st, err := postgres.NewStore(ctx, a.cfg.Storage.Postgres.DSN, pgOpts...)
		if err != nil {
			return err
		}
		a.store = st
		if idx := st.Semantic(); idx != nil && a.semantic == nil {
			a.semantic = idx
		}

	case config.BackendSQLite, "":
		st, err := sqlite.Open(a.cfg.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		a.store = st

	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initMemory builds the memory service with the configured budgets and,
// when both an embeddings provider and a semantic index are present, wires
// background message embedding.
func (a *App) initMemory() {
	memCfg := memory.Config{
		TokenBudget:      a.cfg.Memory.TokenBudget,
		AvgCharsPerToken: int(a.cfg.Memory.AvgCharsPerToken),
		SummaryRoute:     a.cfg.LLM.Routes.For("memory"),
	}

	memOpts := []memory.Option{
		memory.WithLogger(a.logger),
		memory.WithMetrics(a.metrics),
	}
	if a.providers.Embeddings != nil && a.semantic != nil {
		memOpts = append(memOpts, memory.WithSemanticIndex(a.providers.Embeddings, a.semantic))
		a.logger.Info("semantic recall enabled",
			"model", a.providers.Embeddings.ModelID(),
			"dimensions", a.providers.Embeddings.Dimensions())
	}

	a.memory = memory.NewService(a.store, a.client, a.library, memCfg, memOpts...)
}

// initDialogue builds the speaker, the four social agents and the dialogue
// engine from the simulation block.
func (a *App) initDialogue() {
	simCfg := a.cfg.Simulation
	routes := a.cfg.LLM.Routes

	a.speaker = speaker.New(a.store, a.client, a.library,
		speaker.Config{
			Route:          routes.For("dialogue"),
			MessageTimeout: simCfg.DialogueMessageTimeout.Std(),
			MaxReplyWords:  simCfg.MaxReplyWords,
			RecallLines:    a.cfg.Memory.RecallTopK,
		},
		speaker.WithLogger(a.logger),
		speaker.WithMemory(a.memory),
	)

	agents := dialogue.Agents{
		Opinion: social.NewOpinionAgent(social.Config{
			Enabled: true,
			Route:   routes.For("opinion"),
		}, a.client, a.library),
		Stance: social.NewStanceAgent(social.Config{
			Enabled: true,
			Route:   routes.For("stance"),
		}, a.client, a.library),
		Knowledge: social.NewKnowledgeAgent(social.Config{
			Enabled: true,
			Route:   routes.For("knowledge"),
		}, a.client, a.library),
		Reputation: social.NewReputationAgent(social.Config{
			Enabled: simCfg.ReputationEnabled,
			Route:   routes.For("reputation"),
			Timeout: simCfg.ReputationUpdateTimeout.Std(),
		}, a.client, a.library),
	}

	a.engine = dialogue.New(a.store, a.speaker, a.memory, agents,
		dialogue.Params{
			MaxMessages:       simCfg.MaxMessagesPerDialogue,
			MaxTokens:         simCfg.MaxTokensPerDialogue,
			GoodbyeThreshold:  simCfg.GoodbyeThreshold,
			MessageTimeout:    simCfg.DialogueMessageTimeout.Std(),
			TurnDelay:         simCfg.TurnDelay.Std(),
			ReputationTimeout: simCfg.ReputationUpdateTimeout.Std(),
		},
		dialogue.WithLogger(a.logger),
		dialogue.WithMetrics(a.metrics),
		dialogue.WithBus(a.bus),
	)
}

// initLoop builds the day planner and the top-level simulation loop.
func (a *App) initLoop() {
	simCfg := a.cfg.Simulation
	routes := a.cfg.LLM.Routes

	a.scheduler = schedule.New(a.store, a.client, a.library, a.memory,
		schedule.Config{
			LifecycleRoute:      routes.For("lifecycle"),
			IntroductionRoute:   routes.For("introduction"),
			ScheduleRoute:       routes.For("schedule"),
			IntroductionEnabled: simCfg.IntroductionEnabled,
			CharacterLimit:      simCfg.CharacterLimit,
			Periods:             simCfg.Periods,
		},
		schedule.WithLogger(a.logger),
		schedule.WithBus(a.bus),
	)

	a.loop = sim.New(a.store, a.scheduler, a.engine, a.memory,
		sim.Config{DefaultSettings: a.cfg.World.Settings()},
		sim.WithLogger(a.logger),
		sim.WithMetrics(a.metrics),
		sim.WithBus(a.bus),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunDays starts the background memory workers and simulates numDays full
// days for sessionID. An empty sessionID creates a fresh session from the
// configured world. RunDays blocks until the run finishes or ctx is
// cancelled.
func (a *App) RunDays(ctx context.Context, sessionID string, numDays int) error {
	a.memory.Start(ctx)
	a.logger.Info("simulation starting",
		"session", sessionID,
		"days", numDays,
		"characters", len(a.cfg.World.Characters))
	return a.loop.RunDays(ctx, sessionID, numDays)
}

// ResetSession deletes all persisted state of sessionID, including days,
// dialogues, messages and NPC memories.
func (a *App) ResetSession(ctx context.Context, sessionID string) error {
	return a.store.DeleteSessionData(ctx, sessionID)
}

// Bus returns the event bus for external subscribers.
func (a *App) Bus() *events.Bus { return a.bus }

// Store returns the backing store.
func (a *App) Store() store.Store { return a.store }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the memory workers and tears down all subsystems in
// order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		// Drain background memory jobs before the store goes away.
		if a.memory != nil {
			a.memory.Close()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
