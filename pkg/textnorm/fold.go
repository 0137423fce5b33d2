// Package textnorm folds text for case- and diacritic-insensitive matching.
//
// Folding decomposes the text (Unicode NFD), drops combining marks, and
// lowercases the result, so "Café", "CAFE" and "cafe" all fold to "cafe".
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the folded form of s.
func Fold(s string) string {
	// transform chains carry state and are not safe for concurrent use,
	// so each call builds its own
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Contains reports whether needle occurs in haystack after folding both.
// An empty needle matches everything.
func Contains(haystack, needle string) bool {
	return strings.Contains(Fold(haystack), Fold(needle))
}

// Compare orders two strings by their folded forms, falling back to the
// raw strings so that distinct inputs never compare equal unless identical.
func Compare(a, b string) int {
	if c := strings.Compare(Fold(a), Fold(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
