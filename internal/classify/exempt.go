package classify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/config"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// ExemptionChecker marks violations covered by a verified exemption, such
// as a platform-sanctioned matching program, so reviewers see them as
// expected rather than abusive.
type ExemptionChecker struct {
	store store.Store
	rules []config.ExemptionRule
}

// NewExemptionChecker creates an ExemptionChecker. Rules with an empty
// sender pattern or no codes are ignored.
func NewExemptionChecker(st store.Store, rules []config.ExemptionRule) *ExemptionChecker {
	c := &ExemptionChecker{store: st}
	for _, r := range rules {
		pattern := strings.ToLower(strings.TrimSpace(r.SenderPattern))
		if pattern == "" || len(r.Codes) == 0 {
			continue
		}
		r.SenderPattern = pattern
		c.rules = append(c.rules, r)
	}
	return c
}

// Check re-reads the submission so a sender name written concurrently is
// seen, then marks every matching violation exempt. It returns the number
// of rows marked.
func (c *ExemptionChecker) Check(ctx context.Context, submissionID string, vs []model.Violation) (int, error) {
	if c == nil || len(c.rules) == 0 || len(vs) == 0 {
		return 0, nil
	}

	sub, err := c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return 0, eris.Wrap(err, "classify: exemption lookup")
	}

	present := make(map[string]bool, len(vs))
	for _, v := range vs {
		present[v.Code] = true
	}

	senders := senderCandidates(sub)
	var codes []string
	seen := make(map[string]bool)
	for _, r := range c.rules {
		if !matchesAny(senders, r.SenderPattern) {
			continue
		}
		for _, code := range r.Codes {
			if present[code] && !seen[code] {
				seen[code] = true
				codes = append(codes, code)
				zap.L().Info("classify: exemption applied",
					zap.String("submission_id", submissionID),
					zap.String("code", code),
					zap.String("reason", r.Reason),
				)
			}
		}
	}
	if len(codes) == 0 {
		return 0, nil
	}

	n, err := c.store.MarkExempt(ctx, submissionID, codes)
	if err != nil {
		return 0, eris.Wrap(err, "classify: mark exempt")
	}
	return n, nil
}

func senderCandidates(sub *model.Submission) []string {
	var out []string
	if sub.SenderName != nil {
		out = append(out, strings.ToLower(*sub.SenderName))
	}
	out = append(out, strings.ToLower(sub.SenderID), strings.ToLower(sub.EmailFrom))
	return out
}

func matchesAny(candidates []string, pattern string) bool {
	for _, c := range candidates {
		if c != "" && strings.Contains(c, pattern) {
			return true
		}
	}
	return false
}
