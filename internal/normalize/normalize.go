// Package normalize canonicalizes raw solicitation text for stable hashing.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	urlRe        = regexp.MustCompile(`(?:https?://|www\.)\S+`)
	emailRe      = regexp.MustCompile(`[^\s@]+@[^\s@]+\.[^\s@]+`)
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9\s]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize returns the canonical form of raw message text:
//  1. Lowercase
//  2. Remove HTML tags
//  3. Remove URLs (http(s):// and bare www. forms)
//  4. Remove email addresses
//  5. Fold accents and drop everything except [a-z0-9] and spaces
//  6. Collapse whitespace and trim
//
// The output alphabet is [a-z0-9 ], so Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	s := strings.ToLower(raw)
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = urlRe.ReplaceAllString(s, " ")
	s = emailRe.ReplaceAllString(s, " ")
	s = fold(s)
	s = nonAlnumRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// fold decomposes characters and strips combining marks so "café" becomes
// "cafe" rather than "caf".
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return strings.ToLower(out)
}
