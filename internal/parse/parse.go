// Package parse extracts structured values from free-form LLM replies.
//
// Models asked for CSV or JSON routinely wrap their answer in prose,
// quotes, or code fences. These helpers are deliberately forgiving: they
// pull out whatever plausible payload the reply contains and leave
// validation of the content to the caller.
package parse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CSV splits a comma-separated reply into trimmed, non-empty items.
// Surrounding quotes and backticks are stripped per item. A reply without
// commas yields a single item (or none when blank).
func CSV(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}

	// Keep only the first non-empty line; models sometimes append
	// explanations on later lines despite instructions.
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		reply = line
		break
	}

	var items []string
	for _, part := range strings.Split(reply, ",") {
		part = strings.Trim(strings.TrimSpace(part), "\"'`")
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}

// JSONObject extracts the first top-level JSON object from reply and
// decodes it. The object is taken as the substring from the first '{' to
// the last '}', which tolerates code fences and surrounding prose.
func JSONObject(reply string) (map[string]any, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("parse: no JSON object in reply")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("parse: decode JSON object: %w", err)
	}
	return obj, nil
}

// StringField returns the named field of obj when it is a non-empty string.
func StringField(obj map[string]any, name string) (string, bool) {
	v, ok := obj[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// FirstLine returns the first non-empty line of reply, trimmed.
func FirstLine(reply string) string {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// ClampWords returns at most n whitespace-separated words of s.
func ClampWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:n], " ")
}
