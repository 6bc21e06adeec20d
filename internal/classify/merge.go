package classify

import (
	"sort"
	"strings"

	"github.com/sells-group/solicitation-watch/internal/model"
)

// Merge folds raw findings into exactly one violation per code. The
// highest-confidence finding supplies title and severity, rationales are
// concatenated in emission order, evidence lines are unioned and sorted,
// and confidence is the maximum seen. Output is ordered by code.
func Merge(findings []RawFinding, tax *Taxonomy) []model.Violation {
	type group struct {
		best       RawFinding
		rationales []string
		evidence   map[int]struct{}
	}

	groups := make(map[string]*group)
	for _, f := range findings {
		g, ok := groups[f.Code]
		if !ok {
			g = &group{best: f, evidence: make(map[int]struct{})}
			groups[f.Code] = g
		} else if f.Confidence > g.best.Confidence {
			g.best = f
		}
		if f.Rationale != "" {
			g.rationales = append(g.rationales, f.Rationale)
		}
		for _, line := range f.Evidence {
			if line > 0 {
				g.evidence[line] = struct{}{}
			}
		}
	}

	out := make([]model.Violation, 0, len(groups))
	for code, g := range groups {
		title := g.best.Title
		if title == "" {
			if entry, ok := tax.Lookup(code); ok {
				title = entry.Title
			}
		}
		evidence := make([]int, 0, len(g.evidence))
		for line := range g.evidence {
			evidence = append(evidence, line)
		}
		sort.Ints(evidence)

		out = append(out, model.Violation{
			Code:        code,
			Title:       title,
			Description: strings.Join(g.rationales, "\n\n"),
			Evidence:    evidence,
			Severity:    model.ClampSeverity(g.best.Severity),
			Confidence:  model.ClampConfidence(g.best.Confidence),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
