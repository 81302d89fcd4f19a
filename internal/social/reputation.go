package social

import (
	"context"
	"fmt"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/internal/prompt"
)

// maxReputationWords clamps a reputation label to the promised one or two
// words.
const maxReputationWords = 2

// ReputationInput is the world's collected evidence about one character.
type ReputationInput struct {
	// CharacterName is who the reputation belongs to.
	CharacterName string

	// WorldDefinition is the free-form world description from the session
	// settings.
	WorldDefinition string

	// Opinions maps observer name to their current opinion of the character.
	Opinions map[string]string

	// DialogueText concatenates the character's recent dialogue, their
	// memory summary, and the session summary.
	DialogueText string

	// CurrentReputation is the label being revised.
	CurrentReputation string
}

// ReputationAgent revises how the world collectively sees one character.
type ReputationAgent struct {
	cfg    Config
	client *llmclient.Client
	lib    *prompt.Library
}

// NewReputationAgent builds a reputation agent from its config.
func NewReputationAgent(cfg Config, client *llmclient.Client, lib *prompt.Library) *ReputationAgent {
	return &ReputationAgent{cfg: cfg, client: client, lib: lib}
}

// Enabled reports whether the agent makes LLM calls.
func (a *ReputationAgent) Enabled() bool { return a.cfg.Enabled }

// Assess returns the character's revised reputation, clamped to two words.
// Disabled agents return [Neutral] without an LLM call.
func (a *ReputationAgent) Assess(ctx context.Context, in ReputationInput) (string, error) {
	if !a.cfg.Enabled {
		return Neutral, nil
	}

	vars := map[string]string{
		"world_definition":   orDefault(in.WorldDefinition, "a small community"),
		"character_name":     in.CharacterName,
		"current_reputation": orDefault(in.CurrentReputation, Neutral),
		"opinions":           formatOpinions(in.Opinions),
		"dialogues":          orDefault(in.DialogueText, "(no recent conversations)"),
	}
	system, err := render(a.lib, "reputation_system", vars)
	if err != nil {
		return "", fmt.Errorf("reputation: %w", err)
	}
	user, err := render(a.lib, "reputation_user", vars)
	if err != nil {
		return "", fmt.Errorf("reputation: %w", err)
	}

	reply, err := a.client.Call(ctx, llmclient.Request{
		AgentName:   "reputation",
		System:      system,
		User:        user,
		Temperature: agentTemperature,
		Timeout:     a.cfg.timeout(),
		Route:       a.cfg.Route,
	})
	if err != nil {
		return "", fmt.Errorf("reputation: %w", err)
	}

	reputation := parse.ClampWords(parse.FirstLine(reply), maxReputationWords)
	if reputation == "" {
		return Neutral, nil
	}
	return reputation, nil
}
