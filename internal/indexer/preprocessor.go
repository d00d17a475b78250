package indexer

import (
	"strings"
	"unicode"
)

// Preprocess prepares chunk text for the embedding model: control characters
// left over from extraction are dropped and whitespace runs become one space.
// Stored chunk text keeps its original form.
func Preprocess(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(cleaned), " ")
}
