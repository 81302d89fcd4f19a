package config

import (
	"reflect"

	"github.com/talewind-ai/talewind/pkg/store"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; storage and
// provider changes require a restart.
type ConfigDiff struct {
	CharactersChanged bool            // true if any roster entry changed
	CharacterChanges  []CharacterDiff // per-character diffs
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	RoutesChanged     bool
	SimulationChanged bool
}

// CharacterDiff describes what changed for a single rostered character
// between two configs.
type CharacterDiff struct {
	Name               string
	PersonalityChanged bool
	StoryChanged       bool
	LocationsChanged   bool
	Added              bool
	Removed            bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Observability.LogLevel != new.Observability.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Observability.LogLevel
	}
	if !reflect.DeepEqual(old.LLM.Routes, new.LLM.Routes) {
		d.RoutesChanged = true
	}
	if !reflect.DeepEqual(old.Simulation, new.Simulation) {
		d.SimulationChanged = true
	}

	// Build roster lookup maps keyed by name.
	oldChars := make(map[string]int, len(old.World.Characters))
	for i := range old.World.Characters {
		oldChars[old.World.Characters[i].Name] = i
	}
	newChars := make(map[string]int, len(new.World.Characters))
	for i := range new.World.Characters {
		newChars[new.World.Characters[i].Name] = i
	}

	// Detect modified and removed characters.
	for name, oi := range oldChars {
		ni, exists := newChars[name]
		if !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{
				Name:    name,
				Removed: true,
			})
			d.CharactersChanged = true
			continue
		}
		cd := diffCharacter(name, &old.World.Characters[oi], &new.World.Characters[ni])
		if cd.PersonalityChanged || cd.StoryChanged || cd.LocationsChanged {
			d.CharacterChanges = append(d.CharacterChanges, cd)
			d.CharactersChanged = true
		}
	}

	// Detect added characters.
	for name := range newChars {
		if _, exists := oldChars[name]; !exists {
			d.CharacterChanges = append(d.CharacterChanges, CharacterDiff{
				Name:  name,
				Added: true,
			})
			d.CharactersChanged = true
		}
	}

	return d
}

// diffCharacter compares two roster entries with the same name.
func diffCharacter(name string, old, new *store.CharacterProperties) CharacterDiff {
	cd := CharacterDiff{Name: name}

	if old.Personality != new.Personality || old.SpeechStyle != new.SpeechStyle {
		cd.PersonalityChanged = true
	}
	if old.Story != new.Story || old.Role != new.Role {
		cd.StoryChanged = true
	}
	if old.LocationHome != new.LocationHome || old.LocationWork != new.LocationWork {
		cd.LocationsChanged = true
	}

	return cd
}
