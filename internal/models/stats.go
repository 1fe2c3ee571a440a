package models

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// TextStats holds the word/char/line counts recorded per version.
type TextStats struct {
	WordCount int
	CharCount int
	LineCount int
}

// ComputeStats counts words, characters, and lines. Content is NFC
// normalized first so composed and decomposed forms count the same.
func ComputeStats(content []byte) TextStats {
	if len(content) == 0 {
		return TextStats{}
	}

	text := norm.NFC.String(string(content))

	stats := TextStats{
		WordCount: len(strings.Fields(text)),
		CharCount: utf8.RuneCountInString(text),
		LineCount: strings.Count(text, "\n") + 1,
	}
	return stats
}
