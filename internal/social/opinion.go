package social

import (
	"context"
	"fmt"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/store"
)

// maxOpinionWords clamps an opinion label. Prompts ask for one or two
// words; models occasionally pad anyway.
const maxOpinionWords = 2

// OpinionInput is everything the observer brings to judging one incoming
// message.
type OpinionInput struct {
	// Observer is the character forming the opinion.
	Observer store.CharacterProperties

	// Recipient is the character being judged (the message sender, from the
	// observer's point of view the conversation partner).
	Recipient string

	// IncomingMessage is the message that triggered the judgement.
	IncomingMessage string

	// RecentDialogue is a compact rendering of the last few turns.
	RecentDialogue string

	// RecipientReputation is how the world currently sees the recipient.
	RecipientReputation string
}

// OpinionAgent forms a short private opinion about a conversation partner.
type OpinionAgent struct {
	cfg    Config
	client *llmclient.Client
	lib    *prompt.Library
}

// NewOpinionAgent builds an opinion agent from its config.
func NewOpinionAgent(cfg Config, client *llmclient.Client, lib *prompt.Library) *OpinionAgent {
	return &OpinionAgent{cfg: cfg, client: client, lib: lib}
}

// Enabled reports whether the agent makes LLM calls.
func (a *OpinionAgent) Enabled() bool { return a.cfg.Enabled }

// Judge returns the observer's one- or two-word opinion of the recipient.
// Disabled agents return [Neutral] without an LLM call.
func (a *OpinionAgent) Judge(ctx context.Context, in OpinionInput) (string, error) {
	if !a.cfg.Enabled {
		return Neutral, nil
	}

	vars := map[string]string{
		"name":                 in.Observer.Name,
		"personality":          orDefault(in.Observer.Personality, "unremarkable"),
		"story":                orDefault(in.Observer.Story, "an ordinary life"),
		"recipient":            in.Recipient,
		"incoming_message":     in.IncomingMessage,
		"dialogue":             orDefault(in.RecentDialogue, "(no earlier exchange)"),
		"recipient_reputation": orDefault(in.RecipientReputation, Neutral),
	}
	system, err := render(a.lib, "opinion_system", vars)
	if err != nil {
		return "", fmt.Errorf("opinion: %w", err)
	}
	user, err := render(a.lib, "opinion_user", vars)
	if err != nil {
		return "", fmt.Errorf("opinion: %w", err)
	}

	reply, err := a.client.Call(ctx, llmclient.Request{
		AgentName:   "opinion",
		System:      system,
		User:        user,
		Temperature: agentTemperature,
		Timeout:     a.cfg.timeout(),
		Route:       a.cfg.Route,
	})
	if err != nil {
		return "", fmt.Errorf("opinion: %w", err)
	}

	opinion := parse.ClampWords(parse.FirstLine(reply), maxOpinionWords)
	if opinion == "" {
		return Neutral, nil
	}
	return opinion, nil
}
