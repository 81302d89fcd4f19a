package schedule

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/talewind-ai/talewind/internal/events"
	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/pkg/store"
)

// introductionFields are the exactly-required keys of a new character
// profile. Anything more or less is treated as a refusal.
var introductionFields = []string{
	"name", "story", "personality", "role", "location_home", "location_work",
}

// RunIntroduction asks the storyteller whether a new character should join
// the world. Disabled passes, full rosters, refusals, and malformed
// replies are all no-ops; a valid profile is persisted to the session
// roster and given a memory row. Returns the new character, or nil.
func (s *Scheduler) RunIntroduction(ctx context.Context, sess *store.Session, day int, active []string) (*store.CharacterProperties, error) {
	if !s.cfg.IntroductionEnabled {
		return nil, nil
	}
	roster := sess.Settings.CharacterNames()
	if len(roster) >= s.cfg.characterLimit() {
		return nil, nil
	}

	vars := map[string]string{
		"world_setting":     sess.Settings.World,
		"memory":            s.memory.SessionSummary(ctx, sess.ID),
		"cast":              strings.Join(roster, ", "),
		"cast_size":         strconv.Itoa(len(roster)),
		"character_limit":   strconv.Itoa(s.cfg.characterLimit()),
		"active_characters": strings.Join(active, ", "),
		"roles":             rosterValues(sess, func(c store.CharacterProperties) string { return c.Role }),
		"locations":         rosterValues(sess, func(c store.CharacterProperties) string { return c.LocationWork }),
	}
	reply, err := s.call(ctx, "introduction", s.cfg.IntroductionRoute, introductionTemperature,
		"introduction_system", "introduction_user", vars)
	if err != nil {
		s.logger.Warn("introduction pass failed", "day", day, "error", err)
		return nil, nil
	}

	props, ok := parseProfile(reply)
	if !ok {
		return nil, nil
	}
	if _, exists := sess.Settings.Character(props.Name); exists {
		s.logger.Warn("introduction proposed an existing character", "name", props.Name)
		return nil, nil
	}

	updated, err := s.store.UpdateSessionFn(ctx, sess.ID, func(se *store.Session) error {
		se.Settings.Characters = append(se.Settings.Characters, props)
		se.ActiveNPCs = append(se.ActiveNPCs, props.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	*sess = *updated

	if err := s.memory.EnsureNPCMemory(ctx, sess.ID, props); err != nil {
		return nil, err
	}

	s.logger.Info("new character introduced", "name", props.Name, "role", props.Role, "day", day)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.CharacterIntroduced,
			SessionID: sess.ID,
			Day:       day,
			Payload:   map[string]any{"name": props.Name, "role": props.Role},
		})
	}
	return &props, nil
}

// parseProfile validates a model reply against the required six-field
// profile shape.
func parseProfile(reply string) (store.CharacterProperties, bool) {
	obj, err := parse.JSONObject(reply)
	if err != nil || len(obj) != len(introductionFields) {
		return store.CharacterProperties{}, false
	}

	values := make(map[string]string, len(introductionFields))
	for _, field := range introductionFields {
		v, ok := parse.StringField(obj, field)
		if !ok || strings.TrimSpace(v) == "" {
			return store.CharacterProperties{}, false
		}
		values[field] = strings.TrimSpace(v)
	}

	return store.CharacterProperties{
		Name:         values["name"],
		Type:         "npc",
		Role:         values["role"],
		Story:        values["story"],
		Personality:  values["personality"],
		LocationHome: values["location_home"],
		LocationWork: values["location_work"],
		LifeCycle:    store.LifeCycleActive,
	}, true
}

// rosterValues joins one distinct property across the roster.
func rosterValues(sess *store.Session, pick func(store.CharacterProperties) string) string {
	seen := make(map[string]bool)
	var values []string
	for _, c := range sess.Settings.Characters {
		v := pick(c)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}
