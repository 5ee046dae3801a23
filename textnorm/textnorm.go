// Package textnorm normalizes anchor and keyword text so that surface
// variants ("Hiking Boots", "hiking  boots!") compare equal, and produces
// filesystem-safe slugs for snapshot archives.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonSlugChars = regexp.MustCompile("[^a-z0-9-]+")
	multiHyphen  = regexp.MustCompile("-+")
	nonWordChars = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// Fold normalizes text for anchor comparison: lowercase, diacritics
// stripped, punctuation removed, whitespace collapsed to single spaces.
func Fold(s string) string {
	s = strings.ToLower(s)
	s = transliterate(s)
	s = nonWordChars.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// EqualFold reports whether two phrases are the same anchor surface variant.
func EqualFold(a, b string) bool {
	return Fold(a) == Fold(b)
}

// Slug creates a URL- and filesystem-friendly slug from a string.
func Slug(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)
	s = transliterate(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ":", "-")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = multiHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	// Limit length to 100 characters
	if len(s) > 100 {
		s = s[:100]
		s = strings.TrimRight(s, "-")
	}

	return s
}

// transliterate converts unicode characters to ASCII equivalents by
// decomposing and dropping nonspacing marks (accents, diacritics).
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
