package app_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talewind-ai/talewind/internal/app"
	"github.com/talewind-ai/talewind/internal/config"
	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/pkg/provider/llm"
	llmmock "github.com/talewind-ai/talewind/pkg/provider/llm/mock"
	"github.com/talewind-ai/talewind/pkg/store"
)

// testConfig returns a two-character sqlite config tuned for fast runs:
// a single morning phase and a millisecond turn delay.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "tale.db")
	cfg.LLM.Routes.Default = config.RouteConfig{
		Primary: config.TargetConfig{Provider: "mock", Model: "test"},
	}
	cfg.World.Name = "Saltmere"
	cfg.World.Characters = []store.CharacterProperties{
		{Name: "Mira", Type: "npc", Role: "innkeeper", LocationHome: "the attic", LocationWork: "the inn"},
		{Name: "Tomas", Type: "npc", Role: "fishmonger", LocationHome: "a rented room", LocationWork: "the fish market"},
	}
	config.ApplyDefaults(cfg)
	cfg.Simulation.Periods = []store.TimePeriod{store.Morning}
	cfg.Simulation.TurnDelay = config.Duration(time.Millisecond)
	return cfg
}

// testProviders resolves every route target to a scripted mock. The mock
// schedules one Mira -> Tomas conversation and answers every other prompt
// with a farewell so dialogues wind down at the goodbye threshold.
func testProviders() (*app.Providers, *llmmock.Provider) {
	provider := &llmmock.Provider{
		CompleteFn: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			prompt := req.Messages[0].Content
			switch {
			case strings.Contains(prompt, "- Name: Mira"):
				return &llm.CompletionResponse{Content: "Tomas"}, nil
			case strings.Contains(prompt, "- Name: Tomas"):
				return &llm.CompletionResponse{Content: "none"}, nil
			default:
				return &llm.CompletionResponse{Content: "Fine morning for it. I must be off now, goodbye!"}, nil
			}
		},
	}
	providers := &app.Providers{
		Resolver: llmclient.ResolverFunc(func(llmclient.Target) (llm.Provider, error) {
			return provider, nil
		}),
	}
	return providers, provider
}

func TestNew_RequiresResolver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)

	if _, err := app.New(ctx, cfg, nil); err == nil {
		t.Error("New(nil providers) error = nil, want an error")
	}
	if _, err := app.New(ctx, cfg, &app.Providers{}); err == nil {
		t.Error("New(empty providers) error = nil, want an error")
	}
}

func TestRunDays_SimulatesAFullDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	providers, _ := testProviders()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer application.Shutdown(context.Background())

	if err := application.RunDays(ctx, "story-1", 1); err != nil {
		t.Fatalf("RunDays() error = %v", err)
	}

	sess, err := application.Store().GetSession(ctx, "story-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.CurrentDay != 2 {
		t.Errorf("CurrentDay = %d, want 2 after one simulated day", sess.CurrentDay)
	}

	day, err := application.Store().GetDay(ctx, "story-1", 1)
	if err != nil {
		t.Fatalf("GetDay() error = %v", err)
	}
	if day.EndedAt == nil {
		t.Error("day 1 EndedAt = nil, want the day closed")
	}
	if len(day.DialogueIDs) != 1 {
		t.Errorf("day 1 DialogueIDs = %v, want the one scheduled conversation", day.DialogueIDs)
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	providers, _ := testProviders()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := application.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestResetSession_DropsAllState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig(t)
	providers, _ := testProviders()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer application.Shutdown(context.Background())

	if err := application.RunDays(ctx, "story-reset", 1); err != nil {
		t.Fatalf("RunDays() error = %v", err)
	}
	if err := application.ResetSession(ctx, "story-reset"); err != nil {
		t.Fatalf("ResetSession() error = %v", err)
	}

	if _, err := application.Store().GetSession(ctx, "story-reset"); !store.IsNotFound(err) {
		t.Errorf("GetSession(after reset) error = %v, want a not-found error", err)
	}
}
