package store

import (
	"strings"
	"time"
	"unicode/utf8"
)

// TimePeriod is one of the ordered slots a simulated day is divided into.
type TimePeriod string

// The five canonical time periods in day order. A simulation may be
// configured with any ordered non-empty subset of them.
const (
	Morning   TimePeriod = "morning"
	Noon      TimePeriod = "noon"
	Afternoon TimePeriod = "afternoon"
	Evening   TimePeriod = "evening"
	Night     TimePeriod = "night"
)

// AllPeriods lists the canonical periods in day order.
var AllPeriods = []TimePeriod{Morning, Noon, Afternoon, Evening, Night}

// IsValid reports whether p is one of the canonical periods.
func (p TimePeriod) IsValid() bool {
	for _, v := range AllPeriods {
		if p == v {
			return true
		}
	}
	return false
}

// String returns the period name.
func (p TimePeriod) String() string { return string(p) }

// LifeCycle describes whether a character participates in conversations on a
// given day.
type LifeCycle string

const (
	// LifeCycleActive marks a character selected by the daily lifecycle pass.
	LifeCycleActive LifeCycle = "active"

	// LifeCyclePassive marks a character resting for the day.
	LifeCyclePassive LifeCycle = "passive"
)

// CharacterProperties is the immutable base definition of a character.
// It is written once when the character enters the world and never mutated
// afterwards; evolving state lives on [NPCMemory].
type CharacterProperties struct {
	// Name is the unique character name within a session.
	Name string `json:"name" yaml:"name"`

	// Type is the character kind. Currently always "npc".
	Type string `json:"type" yaml:"type"`

	// Role is the character's occupation or function in the world.
	Role string `json:"role" yaml:"role"`

	// Story is the character's backstory.
	Story string `json:"story" yaml:"story"`

	// Personality is a free-form personality description.
	Personality string `json:"personality" yaml:"personality"`

	// LocationHome is where the character is found in the morning and evening.
	LocationHome string `json:"location_home" yaml:"location_home"`

	// LocationWork is where the character is found during the remaining periods.
	LocationWork string `json:"location_work" yaml:"location_work"`

	// LifeCycle is the character's participation state for the current day.
	LifeCycle LifeCycle `json:"life_cycle" yaml:"life_cycle"`

	// Titles, Abilities, and Motifs are optional flavour attributes folded
	// into the persona prompt when present.
	Titles    []string `json:"titles,omitempty" yaml:"titles,omitempty"`
	Abilities []string `json:"abilities,omitempty" yaml:"abilities,omitempty"`
	Motifs    []string `json:"motifs,omitempty" yaml:"motifs,omitempty"`

	// SpeechStyle optionally constrains how the character talks
	// (e.g. "short clipped sentences, never uses contractions").
	SpeechStyle string `json:"speech_style,omitempty" yaml:"speech_style,omitempty"`
}

// GameSettings is the configuration blob stored on a [Session]. It is written
// at session creation and read by every component; the character list may
// grow when the introduction pass adds a new character.
type GameSettings struct {
	// World is a free-form description of the simulated world.
	World string `json:"world" yaml:"world"`

	// WorldName is a short display name for the world.
	WorldName string `json:"world_name" yaml:"world_name"`

	// Characters is the full roster. Order is significant: deterministic
	// fallbacks (first two, first other) follow roster order.
	Characters []CharacterProperties `json:"character_list" yaml:"character_list"`

	// Experiment carries optional opaque experiment metadata.
	Experiment map[string]any `json:"experiment,omitempty" yaml:"experiment,omitempty"`
}

// CharacterNames returns the roster names in order.
func (g GameSettings) CharacterNames() []string {
	names := make([]string, 0, len(g.Characters))
	for _, c := range g.Characters {
		names = append(names, c.Name)
	}
	return names
}

// Character returns the roster entry with the given name. Matching is exact
// first, then case-insensitive. The second return value reports success.
func (g GameSettings) Character(name string) (CharacterProperties, bool) {
	for _, c := range g.Characters {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range g.Characters {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return CharacterProperties{}, false
}

// Session is the root aggregate of one simulated world run.
type Session struct {
	// ID identifies the session. Either caller-provided or allocated as a
	// decimal string from the sessions counter.
	ID string `json:"session_id"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	// CurrentDay is the 1-based day the simulation is on.
	CurrentDay int `json:"current_day"`

	// CurrentPeriod is the period the simulation is in.
	CurrentPeriod TimePeriod `json:"current_period"`

	// Settings is the world definition and roster.
	Settings GameSettings `json:"game_settings"`

	// Reputations maps character name to a one- or two-word label of how the
	// world currently sees them.
	Reputations map[string]string `json:"reputations"`

	// SessionSummary is the rolling all-time summary buffer.
	SessionSummary string `json:"session_summary"`

	// SessionSummaryLength equals len(SessionSummary) at all times.
	SessionSummaryLength int `json:"session_summary_length"`

	// LastSummarized is when the session summary was last compressed.
	LastSummarized *time.Time `json:"last_summarized,omitempty"`

	// ActiveNPCs are the characters selected by the most recent lifecycle pass.
	ActiveNPCs []string `json:"active_npcs"`

	// DialogueIDs lists every dialogue created under this session, in
	// creation order.
	DialogueIDs []string `json:"dialogue_ids"`
}

// Day records the durable state of one simulated day of a session.
// Rows are created lazily on the first dialogue of the day and upserted as
// the day progresses.
type Day struct {
	SessionID string `json:"session_id"`

	// Day is the 1-based day number.
	Day int `json:"day"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// TimePeriod is the most recently recorded period of the day.
	TimePeriod TimePeriod `json:"time_period"`

	// ActiveNPCs and PassiveNPCs snapshot the lifecycle split at day start.
	ActiveNPCs  []string `json:"active_npcs"`
	PassiveNPCs []string `json:"passive_npcs"`

	// DialogueIDs lists the dialogues held on this day, in creation order.
	DialogueIDs []string `json:"dialogue_ids"`

	// DaySummary is the rolling summary buffer for this day.
	DaySummary string `json:"day_summary"`

	// DaySummaryLength equals len(DaySummary) at all times.
	DaySummaryLength int `json:"day_summary_length"`

	// LastSummarized is when the day summary was last compressed.
	LastSummarized *time.Time `json:"last_summarized,omitempty"`
}

// Dialogue is one bounded back-and-forth between two characters in one
// period of one day.
type Dialogue struct {
	// ID is a decimal string of a globally monotone integer.
	ID string `json:"dialogue_id"`

	SessionID string `json:"session_id"`

	// Initiator opens the conversation; Receiver answers.
	Initiator string `json:"initiator"`
	Receiver  string `json:"receiver"`

	// Day and TimePeriod locate the dialogue in simulated time; Location in
	// simulated space (the receiver's current location).
	Day        int        `json:"day"`
	Location   string     `json:"location"`
	TimePeriod TimePeriod `json:"time_period"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// MessageIDs lists the dialogue's messages in append order, which is also
	// chronological order.
	MessageIDs []string `json:"message_ids"`

	// Summary is an optional post-hoc summary written at EndDialogue time.
	Summary string `json:"summary,omitempty"`

	// SummaryLength equals len(Summary).
	SummaryLength int `json:"summary_length"`

	// TotalTextLength is the running sum of len(Text) over all messages.
	TotalTextLength int `json:"total_text_length"`
}

// Ended reports whether the dialogue has been closed.
func (d *Dialogue) Ended() bool { return d.EndedAt != nil }

// Message is a single utterance inside a dialogue. Messages are immutable
// after creation except for the optional opinion annotations, which the
// dialogue engine fills in while the dialogue is still open.
type Message struct {
	// ID is a decimal string of a globally monotone integer.
	ID string `json:"message_id"`

	DialogueID string `json:"dialogue_id"`

	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`

	// Text is the utterance content.
	Text string `json:"message_text"`

	Timestamp time.Time `json:"timestamp"`

	// SenderOpinion and ReceiverOpinion optionally record the participants'
	// opinions of each other as of this message.
	SenderOpinion   string `json:"sender_opinion,omitempty"`
	ReceiverOpinion string `json:"receiver_opinion,omitempty"`
}

// NPCMemory is the per-character evolving state within one session.
// Keyed by (NPCName, SessionID).
type NPCMemory struct {
	NPCName   string `json:"npc_name"`
	SessionID string `json:"session_id"`

	// Properties is the immutable base definition, written once.
	Properties CharacterProperties `json:"character_properties"`

	// CurrentLocation is where the character presently is. Derived from the
	// period by the simulation loop (home for morning/evening, work otherwise).
	CurrentLocation string `json:"current_location,omitempty"`

	// DialogueIDs lists every dialogue this character participated in.
	DialogueIDs []string `json:"dialogue_ids"`

	// MessagesSummary is the rolling buffer of everything the character has
	// witnessed, compressed in the background when it outgrows the budget.
	MessagesSummary string `json:"messages_summary"`

	// MessagesSummaryLength equals len(MessagesSummary) at all times.
	MessagesSummaryLength int `json:"messages_summary_length"`

	// LastSummarized is when MessagesSummary was last compressed.
	LastSummarized *time.Time `json:"last_summarized,omitempty"`

	// OpinionOnNPCs maps partner name to this character's one- or two-word
	// opinion of them.
	OpinionOnNPCs map[string]string `json:"opinion_on_npcs"`

	// WorldKnowledge is the accumulated entity/relationship/timeline object
	// maintained by the knowledge agent.
	WorldKnowledge map[string]any `json:"world_knowledge"`

	// SocialStance maps partner name to this character's current stance
	// toward them.
	SocialStance map[string]string `json:"social_stance"`
}

// Counter entities for [Store.AllocateID].
const (
	EntitySessions  = "sessions"
	EntityDialogues = "dialogues"
	EntityMessages  = "messages"
)

// TextLength counts characters rather than bytes. All stored *_length
// fields and context budgets measure text this way.
func TextLength(s string) int {
	return utf8.RuneCountInString(s)
}
