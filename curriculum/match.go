package curriculum

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Fold case-folds text for case-insensitive matching. cases.Caser is stateful, so a fresh
// one is used per call.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// MatchAny returns the patterns that occur in text as case-insensitive substrings, in
// pattern order, each at most once.
func MatchAny(text string, patterns []string) []string {
	if text == "" || len(patterns) == 0 {
		return nil
	}
	folded := Fold(text)
	var matched []string
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		fp := Fold(strings.TrimSpace(p))
		if fp == "" {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		if strings.Contains(folded, fp) {
			seen[fp] = struct{}{}
			matched = append(matched, p)
		}
	}
	return matched
}

// ContainsPhrase reports whether any pattern occurs in text on word boundaries, so short
// patterns such as "ok" do not match inside "book".
func ContainsPhrase(text string, patterns []string) bool {
	words := strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '/' && r != '\''
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, p := range patterns {
		pw := strings.FieldsFunc(Fold(p), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '/' && r != '\''
		})
		if len(pw) == 0 {
			continue
		}
		if strings.Contains(joined, " "+strings.Join(pw, " ")+" ") {
			return true
		}
	}
	return false
}
