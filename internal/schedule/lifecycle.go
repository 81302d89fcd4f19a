package schedule

import (
	"context"
	"strings"

	"github.com/talewind-ai/talewind/internal/parse"
	"github.com/talewind-ai/talewind/pkg/store"
)

// RunLifecycle picks the day's active cast from the roster. The model's
// CSV reply is validated name by name against the roster; an empty or
// failed reply activates everyone, and a reply that matches nobody
// activates the first two roster names so the day still has a scene.
func (s *Scheduler) RunLifecycle(ctx context.Context, sess *store.Session, day int) (Roster, error) {
	if err := ctx.Err(); err != nil {
		return Roster{}, err
	}

	roster := sess.Settings.CharacterNames()
	prevActive, prevPassive := s.previousDay(sess, day)

	vars := map[string]string{
		"memory":           s.memory.SessionSummary(ctx, sess.ID),
		"cast":             strings.Join(roster, ", "),
		"previous_active":  strings.Join(prevActive, ", "),
		"previous_passive": strings.Join(prevPassive, ", "),
	}
	reply, err := s.call(ctx, "lifecycle", s.cfg.LifecycleRoute, lifecycleTemperature,
		"lifecycle_system", "lifecycle_user", vars)
	if err != nil {
		s.logger.Warn("lifecycle pass failed, activating full roster", "day", day, "error", err)
		return s.recordRoster(day, roster, nil), nil
	}

	names := parse.CSV(reply)
	if len(names) == 0 {
		return s.recordRoster(day, roster, nil), nil
	}

	var active []string
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name, ok := MatchName(raw, roster)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		active = append(active, name)
	}
	if len(active) == 0 {
		// The model named only strangers; activate a minimal scene.
		if len(roster) > 2 {
			active = roster[:2]
		} else {
			active = roster
		}
	}

	passive := make([]string, 0, len(roster)-len(active))
	for _, name := range roster {
		if !seen[name] && !contains(active, name) {
			passive = append(passive, name)
		}
	}
	return s.recordRoster(day, active, passive), nil
}

// previousDay returns the prior day's cast split, falling back to the
// session's persisted active list when no history exists (fresh process
// or resumed session).
func (s *Scheduler) previousDay(sess *store.Session, day int) (active, passive []string) {
	s.mu.Lock()
	r, ok := s.rosters[day-1]
	s.mu.Unlock()
	if ok {
		return r.Active, r.Passive
	}

	roster := sess.Settings.CharacterNames()
	active = sess.ActiveNPCs
	if len(active) == 0 {
		active = roster
	}
	for _, name := range roster {
		if !contains(active, name) {
			passive = append(passive, name)
		}
	}
	return active, passive
}

func (s *Scheduler) recordRoster(day int, active, passive []string) Roster {
	r := Roster{Active: active, Passive: passive}
	s.mu.Lock()
	s.rosters[day] = r
	s.mu.Unlock()
	return r
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
