// Package prompt holds the versioned prompt templates for every LLM-facing
// agent and the safe formatter that fills them in.
//
// Templates regularly contain literal JSON (output-format examples, empty
// object fallbacks), so naive placeholder substitution is unsafe. [Format]
// only treats declared placeholders as live: every other brace in the
// template, JSON or otherwise, is preserved byte for byte.
//
// Template text is embedded at build time and organised by version, so a
// prompt revision ships as a new template directory instead of scattered
// string edits.
package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingPlaceholder is returned by [Format] when a declared placeholder
// occurs in the template but no value was supplied for it.
var ErrMissingPlaceholder = errors.New("missing placeholder value")

// Format substitutes declared placeholders in template and returns the
// result. A placeholder occurrence is the literal text "{name}" where name
// is listed in placeholders; all other braces are copied through untouched.
//
// Values are inserted verbatim and never re-scanned, so a value containing
// "{other}" does not trigger a second substitution. Supplying values for
// placeholders that never occur is allowed; omitting a value for one that
// does occur returns [ErrMissingPlaceholder].
func Format(template string, placeholders []string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		idx := strings.IndexByte(template[i:], '{')
		if idx < 0 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+idx])
		i += idx

		name, ok := matchPlaceholder(template[i:], placeholders)
		if !ok {
			b.WriteByte('{')
			i++
			continue
		}

		value, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("prompt: %w for %q", ErrMissingPlaceholder, name)
		}
		b.WriteString(value)
		i += len(name) + 2
	}
	return b.String(), nil
}

// matchPlaceholder reports whether s starts with "{name}" for one of the
// declared placeholders and returns that name.
func matchPlaceholder(s string, placeholders []string) (string, bool) {
	for _, ph := range placeholders {
		if len(s) > len(ph)+1 && s[len(ph)+1] == '}' && strings.HasPrefix(s[1:], ph) {
			return ph, true
		}
	}
	return "", false
}
