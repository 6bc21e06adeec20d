// Package ingest decides whether inbound text is a fundraising solicitation
// and persists it as a new submission.
package ingest

import (
	"regexp"
	"strings"
)

var dollarRe = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{1,2})?`)

// Heuristic is the cheap keyword prefilter that keeps clearly irrelevant
// messages out of the AI stages.
type Heuristic struct {
	patterns []*regexp.Regexp
}

// NewHeuristic compiles keyword and brand-name matchers. Each term matches on
// word boundaries, case-insensitively.
func NewHeuristic(keywords, brandNames []string) *Heuristic {
	h := &Heuristic{}
	seen := make(map[string]bool)
	for _, term := range append(append([]string{}, keywords...), brandNames...) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		words := strings.Fields(term)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		h.patterns = append(h.patterns, regexp.MustCompile(`(?i)\b`+strings.Join(words, `\s+`)+`\b`))
	}
	return h
}

// Score returns the number of distinct terms present in text and whether a
// dollar amount appears.
func (h *Heuristic) Score(text string) (score int, hasDollar bool) {
	for _, re := range h.patterns {
		if re.MatchString(text) {
			score++
		}
	}
	return score, dollarRe.MatchString(text)
}

// IsFundraising applies the decision rule: two or more terms, or one term
// together with a dollar amount.
func (h *Heuristic) IsFundraising(text string) bool {
	score, hasDollar := h.Score(text)
	return score >= 2 || (score >= 1 && hasDollar)
}
