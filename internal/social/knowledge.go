package social

import (
	"context"
	"fmt"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/internal/prompt"
	"github.com/talewind-ai/talewind/pkg/store"
)

// KnowledgeInput is a finished dialogue seen through one participant's eyes.
type KnowledgeInput struct {
	// Observer is the character updating their private record.
	Observer store.CharacterProperties

	// Current is the observer's world knowledge before the dialogue.
	Current map[string]any

	// DialogueText is the full rendered dialogue (header plus speaker lines).
	DialogueText string
}

// KnowledgeAgent rewrites an observer's structured world knowledge after a
// dialogue.
type KnowledgeAgent struct {
	cfg    Config
	client *llmclient.Client
	lib    *prompt.Library
}

// NewKnowledgeAgent builds a knowledge agent from its config.
func NewKnowledgeAgent(cfg Config, client *llmclient.Client, lib *prompt.Library) *KnowledgeAgent {
	return &KnowledgeAgent{cfg: cfg, client: client, lib: lib}
}

// Enabled reports whether the agent makes LLM calls.
func (a *KnowledgeAgent) Enabled() bool { return a.cfg.Enabled }

// Extract returns the observer's updated world knowledge. Disabled agents
// return an empty map without an LLM call. An unparseable reply is preserved
// under a "raw" key rather than discarded — the next extraction sees it and
// can fold it in properly.
func (a *KnowledgeAgent) Extract(ctx context.Context, in KnowledgeInput) (map[string]any, error) {
	if !a.cfg.Enabled {
		return map[string]any{}, nil
	}

	vars := map[string]string{
		"name":        in.Observer.Name,
		"personality": orDefault(in.Observer.Personality, "unremarkable"),
		"knowledge":   formatKnowledge(in.Current),
		"dialogue":    in.DialogueText,
	}
	system, err := render(a.lib, "knowledge_system", vars)
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}
	user, err := render(a.lib, "knowledge_user", vars)
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}

	reply, err := a.client.Call(ctx, llmclient.Request{
		AgentName:    "knowledge",
		System:       system,
		User:         user,
		Temperature:  agentTemperature,
		JSONResponse: true,
		Timeout:      a.cfg.timeout(),
		Route:        a.cfg.Route,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}

	obj, err := parse.JSONObject(reply)
	if err != nil {
		return map[string]any{"raw": reply}, nil
	}
	return obj, nil
}
