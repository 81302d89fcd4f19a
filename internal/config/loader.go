package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talewind-ai/talewind/pkg/store"
)

// Default values applied by [ApplyDefaults] before validation.
const (
	DefaultSQLitePath              = "talewind.db"
	DefaultMaxMessagesPerDialogue  = 10
	DefaultMaxTokensPerDialogue    = 2000
	DefaultGoodbyeThreshold        = 2
	DefaultDialogueMessageTimeout  = 60 * time.Second
	DefaultReputationUpdateTimeout = 20 * time.Second
	DefaultTurnDelay               = 500 * time.Millisecond
	DefaultCharacterLimit          = 10
	DefaultTokenBudget             = 4000
	DefaultAvgCharsPerToken        = 4.0
)

// ValidProviderNames lists known registry names per provider kind.
// Used by [Validate] to warn about likely typos.
var ValidProviderNames = map[string][]string{
	"llm": {
		"openai", "mock",
		"anyllm:openai", "anyllm:anthropic", "anyllm:gemini", "anyllm:ollama",
		"anyllm:deepseek", "anyllm:mistral", "anyllm:groq", "anyllm:llamacpp",
		"anyllm:llamafile",
	},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. ${VAR} references are expanded from the
// environment before decoding so credentials can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.Backend == BackendSQLite && cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}

	sim := &cfg.Simulation
	if sim.MaxMessagesPerDialogue <= 0 {
		sim.MaxMessagesPerDialogue = DefaultMaxMessagesPerDialogue
	}
	if sim.MaxTokensPerDialogue <= 0 {
		sim.MaxTokensPerDialogue = DefaultMaxTokensPerDialogue
	}
	if sim.GoodbyeThreshold <= 0 {
		sim.GoodbyeThreshold = DefaultGoodbyeThreshold
	}
	if sim.DialogueMessageTimeout <= 0 {
		sim.DialogueMessageTimeout = Duration(DefaultDialogueMessageTimeout)
	}
	if sim.ReputationUpdateTimeout <= 0 {
		sim.ReputationUpdateTimeout = Duration(DefaultReputationUpdateTimeout)
	}
	if sim.TurnDelay <= 0 {
		sim.TurnDelay = Duration(DefaultTurnDelay)
	}
	if len(sim.Periods) == 0 {
		sim.Periods = append([]store.TimePeriod(nil), store.AllPeriods...)
	}
	if sim.CharacterLimit <= 0 {
		sim.CharacterLimit = DefaultCharacterLimit
	}

	if cfg.Memory.TokenBudget <= 0 {
		cfg.Memory.TokenBudget = DefaultTokenBudget
	}
	if cfg.Memory.AvgCharsPerToken <= 0 {
		cfg.Memory.AvgCharsPerToken = DefaultAvgCharsPerToken
	}

	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = LogInfo
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = LogText
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Storage
	if !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: sqlite, postgres", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == BackendPostgres && cfg.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required when backend is postgres"))
	}
	if cfg.Storage.Postgres.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.postgres.embedding_dimensions %d must not be negative", cfg.Storage.Postgres.EmbeddingDimensions))
	}

	// Routes
	validateRoute(&errs, "default", cfg.LLM.Routes.Default)
	validateRoute(&errs, "dialogue", cfg.LLM.Routes.Dialogue)
	validateRoute(&errs, "opinion", cfg.LLM.Routes.Opinion)
	validateRoute(&errs, "stance", cfg.LLM.Routes.Stance)
	validateRoute(&errs, "knowledge", cfg.LLM.Routes.Knowledge)
	validateRoute(&errs, "reputation", cfg.LLM.Routes.Reputation)
	validateRoute(&errs, "memory", cfg.LLM.Routes.Memory)
	validateRoute(&errs, "lifecycle", cfg.LLM.Routes.Lifecycle)
	validateRoute(&errs, "introduction", cfg.LLM.Routes.Introduction)
	validateRoute(&errs, "schedule", cfg.LLM.Routes.Schedule)

	if cfg.LLM.Routes.Default.empty() && cfg.LLM.Routes.Dialogue.empty() && len(cfg.World.Characters) > 0 {
		slog.Warn("no default or dialogue route configured; characters will not be able to talk")
	}
	for name := range cfg.LLM.Providers {
		warnProviderName("llm", name)
	}

	// Embeddings
	if cfg.Embeddings.Provider != "" {
		warnProviderName("embeddings", cfg.Embeddings.Provider)
		if cfg.Storage.Backend == BackendPostgres && cfg.Storage.Postgres.EmbeddingDimensions == 0 {
			slog.Warn("embeddings provider configured but storage.postgres.embedding_dimensions is not set; semantic recall stays disabled")
		}
	}
	for i, fb := range cfg.Embeddings.Fallbacks {
		if cfg.Embeddings.Provider == "" {
			errs = append(errs, fmt.Errorf("embeddings.fallbacks requires a primary embeddings.provider"))
			break
		}
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("embeddings.fallbacks[%d] needs a provider", i))
			continue
		}
		warnProviderName("embeddings", fb.Provider)
	}

	// Simulation
	sim := cfg.Simulation
	seen := make(map[store.TimePeriod]int, len(sim.Periods))
	for i, p := range sim.Periods {
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("simulation.periods[%d] %q is invalid; valid values: morning, noon, afternoon, evening, night", i, p))
			continue
		}
		if prev, ok := seen[p]; ok {
			errs = append(errs, fmt.Errorf("simulation.periods[%d] %q is a duplicate of periods[%d]", i, p, prev))
		}
		seen[p] = i
	}
	if sim.GoodbyeThreshold > sim.MaxMessagesPerDialogue {
		errs = append(errs, fmt.Errorf("simulation.goodbye_threshold %d exceeds max_messages_per_dialogue %d", sim.GoodbyeThreshold, sim.MaxMessagesPerDialogue))
	}
	if sim.MaxReplyWords < 0 {
		errs = append(errs, fmt.Errorf("simulation.max_reply_words %d must not be negative", sim.MaxReplyWords))
	}

	// World
	namesSeen := make(map[string]int, len(cfg.World.Characters))
	for i, c := range cfg.World.Characters {
		prefix := fmt.Sprintf("world.characters[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := namesSeen[c.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of world.characters[%d]", prefix, c.Name, prev))
		}
		namesSeen[c.Name] = i
		if c.LocationHome == "" || c.LocationWork == "" {
			errs = append(errs, fmt.Errorf("%s: location_home and location_work are required", prefix))
		}
	}
	if len(cfg.World.Characters) > sim.CharacterLimit {
		errs = append(errs, fmt.Errorf("world.characters has %d entries, exceeding simulation.character_limit %d", len(cfg.World.Characters), sim.CharacterLimit))
	}

	// Observability
	if !cfg.Observability.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("observability.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Observability.LogLevel))
	}
	if !cfg.Observability.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("observability.log_format %q is invalid; valid values: text, json", cfg.Observability.LogFormat))
	}

	return errors.Join(errs...)
}

// validateRoute checks that every target on the route names both a provider
// and a model.
func validateRoute(errs *[]error, agent string, r RouteConfig) {
	if r.empty() {
		return
	}
	check := func(pos string, t TargetConfig) {
		if t.Provider == "" || t.Model == "" {
			*errs = append(*errs, fmt.Errorf("llm.routes.%s.%s: provider and model are both required", agent, pos))
		}
	}
	check("primary", r.Primary)
	for i, f := range r.Fallbacks {
		check(fmt.Sprintf("fallbacks[%d]", i), f)
	}
}

// warnProviderName logs a warning if name is not in the known list for the
// given kind. Unknown names still work when a factory is registered.
func warnProviderName(kind, name string) {
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return
	}
	if kind == "llm" && strings.HasPrefix(name, "anyllm:") {
		// any-llm-go may grow backends faster than this list.
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
