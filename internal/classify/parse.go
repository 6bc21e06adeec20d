package classify

import (
	"encoding/json"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/model"
)

// RawFinding is one violation entry as the model emitted it, after
// validation and clamping.
type RawFinding struct {
	Code       string
	Title      string
	Rationale  string
	Evidence   []int
	Severity   int
	Confidence float64
}

// ParsedResponse is the validated classifier output.
type ParsedResponse struct {
	Findings   []RawFinding
	Summary    string
	Confidence float64
	Malformed  bool
	Dropped    int
}

type responseJSON struct {
	Violations []findingJSON `json:"violations"`
	Summary    string        `json:"summary"`
	Confidence *float64      `json:"confidence"`
}

type findingJSON struct {
	Code       string   `json:"code"`
	Title      string   `json:"title"`
	Rationale  string   `json:"rationale"`
	Evidence   []int    `json:"evidence"`
	Severity   *float64 `json:"severity"`
	Confidence *float64 `json:"confidence"`
}

// ParseResponse decodes the model's answer. Unknown codes are dropped,
// severity is clamped to [1,5] and confidence to [0,1]; a finding without
// confidence inherits the overall value. Unparseable text yields no
// findings and a diagnostic summary.
func ParseResponse(text string, tax *Taxonomy) ParsedResponse {
	cleaned := cleanJSON(text)

	var raw responseJSON
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		zap.L().Warn("classify: failed to parse response JSON",
			zap.Error(err),
			zap.Int("response_len", len(text)),
		)
		return ParsedResponse{
			Malformed: true,
			Summary:   "Classifier returned an unparseable response; no violations recorded.",
		}
	}

	out := ParsedResponse{Summary: strings.TrimSpace(raw.Summary)}
	if raw.Confidence != nil {
		out.Confidence = model.ClampConfidence(*raw.Confidence)
	}

	for _, f := range raw.Violations {
		code := strings.ToUpper(strings.TrimSpace(f.Code))
		entry, ok := tax.Lookup(code)
		if !ok {
			out.Dropped++
			continue
		}

		finding := RawFinding{
			Code:       code,
			Title:      strings.TrimSpace(f.Title),
			Rationale:  strings.TrimSpace(f.Rationale),
			Evidence:   f.Evidence,
			Severity:   entry.Severity,
			Confidence: out.Confidence,
		}
		if f.Severity != nil {
			finding.Severity = int(math.Round(*f.Severity))
		}
		finding.Severity = model.ClampSeverity(finding.Severity)
		if f.Confidence != nil {
			finding.Confidence = model.ClampConfidence(*f.Confidence)
		}
		out.Findings = append(out.Findings, finding)
	}

	if out.Dropped > 0 {
		zap.L().Debug("classify: dropped findings with unknown codes", zap.Int("dropped", out.Dropped))
	}
	return out
}

// cleanJSON extracts the outermost JSON object from text that may be
// wrapped in markdown fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
