// Package social implements the four social transducers that turn finished
// dialogue into updated social state: Opinion, Stance, Knowledge, and
// Reputation.
//
// Each agent is a thin, stateless wrapper around one LLM call with a strict
// prompt template. Agents never write to the store — they compute a new
// value from a snapshot and the caller persists it. Every agent carries an
// Enabled flag; a disabled agent returns its neutral constant without any
// LLM traffic, which keeps test runs and ablation experiments cheap.
package social

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/talewind-ai/talewind/internal/llmclient"
	"github.com/talewind-ai/talewind/internal/prompt"
)

// Neutral is the value disabled Opinion, Stance, and Reputation agents
// return, and the seed value for fresh opinion maps.
const Neutral = "Neutral"

// agentTemperature is shared by all social agents. Judgement calls want
// stable, repeatable output rather than creative variety.
const agentTemperature = 0.2

// DefaultTimeout bounds a social agent call unless the caller overrides it.
const DefaultTimeout = 30 * time.Second

// Config is the shared configuration block of a social agent.
type Config struct {
	// Enabled turns the agent on. A disabled agent returns its neutral
	// constant without calling the LLM.
	Enabled bool

	// Route is the LLM target chain the agent calls through.
	Route llmclient.Route

	// Timeout bounds each call. Zero means [DefaultTimeout].
	Timeout time.Duration
}

// timeout returns the effective per-call timeout.
func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// formatKnowledge renders a world-knowledge map as indented JSON for prompt
// inclusion. An empty map renders as "{}".
func formatKnowledge(knowledge map[string]any) string {
	if len(knowledge) == 0 {
		return "{}"
	}
	raw, err := json.MarshalIndent(knowledge, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// formatOpinions renders an opinion map as stable "name: opinion" lines.
func formatOpinions(opinions map[string]string) string {
	if len(opinions) == 0 {
		return "none yet"
	}
	names := make([]string, 0, len(opinions))
	for name := range opinions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- " + name + ": " + opinions[name])
	}
	return b.String()
}

// orDefault substitutes fallback for a blank value.
func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// MergeKnowledge folds an agent result into existing world knowledge.
// Result keys replace existing ones; keys absent from the result survive, so
// a partial reply never erases what the character already knew.
func MergeKnowledge(existing, result map[string]any) map[string]any {
	if len(result) == 0 {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(result))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range result {
		merged[k] = v
	}
	return merged
}

// render is a thin wrapper that renders a library template and tags
// failures with the agent name.
func render(lib *prompt.Library, name string, vars map[string]string) (string, error) {
	return lib.Render(name, vars)
}
