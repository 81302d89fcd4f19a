package social

import (
	"context"
	"fmt"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/store"
)

// maxStanceWords clamps a stance phrase; "Openly hostile" fits, essays do not.
const maxStanceWords = 4

// StanceInput is the evidence an observer weighs when settling on a stance
// toward an opponent.
type StanceInput struct {
	// Observer is the character taking the stance.
	Observer store.CharacterProperties

	// Opponent is the character the stance is toward.
	Opponent string

	// OpponentReputation is how the world sees the opponent.
	OpponentReputation string

	// OpponentOpinion is the opponent's current opinion of the observer.
	OpponentOpinion string

	// WorldKnowledge is the observer's accumulated knowledge.
	WorldKnowledge map[string]any

	// InteractionHistory summarises past dealings with the opponent.
	InteractionHistory string

	// Interactions counts prior dialogues between the two. It drives the
	// reputation/knowledge weighting: strangers lean on reputation, old
	// acquaintances on their own experience.
	Interactions int
}

// Weights returns the reputation and knowledge weights for the given
// interaction count: reputation = 1/(1+0.1·n), knowledge = 1−reputation.
func (in StanceInput) Weights() (reputation, knowledge float64) {
	reputation = 1 / (1 + 0.1*float64(in.Interactions))
	return reputation, 1 - reputation
}

// StanceAgent decides an observer's social stance toward one opponent.
type StanceAgent struct {
	cfg    Config
	client *llmclient.Client
	lib    *prompt.Library
}

// NewStanceAgent builds a stance agent from its config.
func NewStanceAgent(cfg Config, client *llmclient.Client, lib *prompt.Library) *StanceAgent {
	return &StanceAgent{cfg: cfg, client: client, lib: lib}
}

// Enabled reports whether the agent makes LLM calls.
func (a *StanceAgent) Enabled() bool { return a.cfg.Enabled }

// Decide returns the observer's stance toward the opponent. Disabled agents
// return [Neutral] without an LLM call.
func (a *StanceAgent) Decide(ctx context.Context, in StanceInput) (string, error) {
	if !a.cfg.Enabled {
		return Neutral, nil
	}

	repW, knowW := in.Weights()
	vars := map[string]string{
		"npc_name":              in.Observer.Name,
		"npc_personality":       orDefault(in.Observer.Personality, "unremarkable"),
		"opponent_name":         in.Opponent,
		"interaction_history":   orDefault(in.InteractionHistory, "none; you have never spoken"),
		"opponent_reputation":   orDefault(in.OpponentReputation, Neutral),
		"opponent_opinion":      orDefault(in.OpponentOpinion, Neutral),
		"knowledge_base":        formatKnowledge(in.WorldKnowledge),
		"reputation_weight":     fmt.Sprintf("%.2f", repW),
		"knowledge_weight":      fmt.Sprintf("%.2f", knowW),
		"reputation_weight_pct": fmt.Sprintf("%.0f", repW*100),
		"knowledge_weight_pct":  fmt.Sprintf("%.0f", knowW*100),
	}
	system, err := render(a.lib, "stance_system", vars)
	if err != nil {
		return "", fmt.Errorf("stance: %w", err)
	}
	user, err := render(a.lib, "stance_user", vars)
	if err != nil {
		return "", fmt.Errorf("stance: %w", err)
	}

	reply, err := a.client.Call(ctx, llmclient.Request{
		AgentName:   "stance",
		System:      system,
		User:        user,
		Temperature: agentTemperature,
		Timeout:     a.cfg.timeout(),
		Route:       a.cfg.Route,
	})
	if err != nil {
		return "", fmt.Errorf("stance: %w", err)
	}

	stance := parse.ClampWords(parse.FirstLine(reply), maxStanceWords)
	if stance == "" {
		return Neutral, nil
	}
	return stance, nil
}
