package prompt

import (
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed templates
var templateFS embed.FS

// DefaultVersion is the template set used when none is configured.
const DefaultVersion = "v1"

// catalog declares every template name and its placeholders. A version
// directory must provide a .tmpl file for each entry; [NewLibrary] fails
// otherwise, so a missing or misnamed template is caught at startup rather
// than mid-simulation.
var catalog = map[string][]string{
	// social agents
	"opinion_system":    {"name", "personality", "story"},
	"opinion_user":      {"name", "personality", "story", "recipient", "incoming_message", "dialogue", "recipient_reputation"},
	"stance_system":     {"npc_name", "npc_personality", "opponent_name", "interaction_history", "reputation_weight", "knowledge_weight", "opponent_reputation", "opponent_opinion", "knowledge_base"},
	"stance_user":       {"reputation_weight_pct", "knowledge_weight_pct"},
	"knowledge_system":  {"name", "personality", "knowledge"},
	"knowledge_user":    {"name", "personality", "knowledge", "dialogue"},
	"reputation_system": {"world_definition"},
	"reputation_user":   {"character_name", "current_reputation", "opinions", "dialogues"},

	// npc speaker
	"persona_system":     {"name", "story", "personality", "role", "location_home", "location_work", "current_location", "extra_background", "memory_context", "style_rules"},
	"scene_line":         {"day", "time_period", "location"},
	"force_goodbye_line": {},
	"introduce_user":     {"npc_name", "recipient"},
	"greet_user":         {"npc_name", "recipient"},
	"respond_system":     {"name", "dialogue_context", "social_context", "limit_instruction"},
	"respond_user":       {"npc_name", "sender_name", "constraint_note", "incoming_message"},

	// memory summarization
	"memory_summary_system":  {},
	"memory_summary_user":    {"source_text", "max_chars"},
	"session_summary_system": {},
	"session_summary_user":   {"source_text", "max_chars"},

	// flow agents
	"lifecycle_system":    {},
	"lifecycle_user":      {"memory", "cast", "previous_active", "previous_passive"},
	"introduction_system": {"world_setting"},
	"introduction_user":   {"memory", "cast", "cast_size", "character_limit", "active_characters", "roles", "locations"},
	"schedule_system":     {"npc_name", "phase", "day"},
	"schedule_user":       {"npc_name", "day", "phase", "available", "already_spoken", "summary", "opinions"},
}

// Template is one named prompt template from a versioned set.
type Template struct {
	// Name is the catalog name, e.g. "opinion_system".
	Name string

	// Version is the template set this text was loaded from.
	Version string

	// Placeholders lists the declared substitution points.
	Placeholders []string

	// Text is the raw template text.
	Text string
}

// Render substitutes the declared placeholders into the template text.
func (t Template) Render(vars map[string]string) (string, error) {
	out, err := Format(t.Text, t.Placeholders, vars)
	if err != nil {
		return "", fmt.Errorf("render %s/%s: %w", t.Version, t.Name, err)
	}
	return out, nil
}

// Library is a fully loaded, immutable template set for one version.
type Library struct {
	version   string
	templates map[string]Template
}

// NewLibrary loads the template set for the given version ("" selects
// [DefaultVersion]). Every catalog entry must be present in the version
// directory.
func NewLibrary(version string) (*Library, error) {
	if version == "" {
		version = DefaultVersion
	}
	dir := path.Join("templates", version)

	entries, err := templateFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: unknown template version %q: %w", version, err)
	}

	lib := &Library{
		version:   version,
		templates: make(map[string]Template, len(entries)),
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		placeholders, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("prompt: template %q in version %q has no catalog entry", name, version)
		}
		raw, err := templateFS.ReadFile(path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("prompt: read template %q: %w", name, err)
		}
		lib.templates[name] = Template{
			Name:         name,
			Version:      version,
			Placeholders: placeholders,
			Text:         strings.TrimSpace(string(raw)),
		}
	}

	for name := range catalog {
		if _, ok := lib.templates[name]; !ok {
			return nil, fmt.Errorf("prompt: version %q is missing template %q", version, name)
		}
	}
	return lib, nil
}

// Version returns the loaded template set version.
func (l *Library) Version() string { return l.version }

// Get returns the named template.
func (l *Library) Get(name string) (Template, error) {
	t, ok := l.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("prompt: no template named %q in version %q", name, l.version)
	}
	return t, nil
}

// Render loads the named template and substitutes vars in one step.
func (l *Library) Render(name string, vars map[string]string) (string, error) {
	t, err := l.Get(name)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}
