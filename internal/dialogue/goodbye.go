package dialogue

import "strings"

// goodbyePhrases is the farewell lexicon. Matching is case-insensitive
// substring, so "GOODBYE" and "well, gotta go" both count.
var goodbyePhrases = []string{
	"goodbye",
	"bye",
	"farewell",
	"see you later",
	"see you",
	"talk later",
	"gotta go",
	"need to go",
	"have to go",
	"must go",
	"take care",
	"until next time",
}

// ContainsGoodbye reports whether text contains any farewell phrase.
func ContainsGoodbye(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range goodbyePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Tokens estimates the token cost of text as ⌈1.3 × words⌉.
func Tokens(text string) int {
	words := len(strings.Fields(text))
	return (words*13 + 9) / 10
}
