package schedule

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a phonetic
// roster match. Below it a misspelled name is discarded rather than
// guessed at.
const fuzzyThreshold = 0.93

// MatchName resolves a model-produced name against the roster: exact
// match first, then case-insensitive, then phonetic recovery for the
// near-misses models produce ("Elara" for "Ellara"). A phonetic match
// requires overlapping Double Metaphone codes and Jaro-Winkler similarity
// of at least [fuzzyThreshold].
func MatchName(candidate string, roster []string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}

	for _, name := range roster {
		if name == candidate {
			return name, true
		}
	}
	for _, name := range roster {
		if strings.EqualFold(name, candidate) {
			return name, true
		}
	}

	candLower := strings.ToLower(candidate)
	candCodes := metaphoneCodes(candLower)

	best := ""
	bestScore := 0.0
	for _, name := range roster {
		nameLower := strings.ToLower(name)
		if !codesOverlap(candCodes, metaphoneCodes(nameLower)) {
			continue
		}
		if score := matchr.JaroWinkler(candLower, nameLower, false); score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return "", false
}

// metaphoneCodes returns the Double Metaphone codes of every token in
// name. Empty codes are excluded.
func metaphoneCodes(name string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	for _, token := range strings.Fields(name) {
		p, s := matchr.DoubleMetaphone(token)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
