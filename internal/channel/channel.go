// Package channel adapts inbound email, SMS and image uploads into
// ingestion requests and starts the downstream stages.
package channel

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/evidence"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
)

// DefaultRedactionToken replaces honeytrap addresses when none is configured.
const DefaultRedactionToken = "[redacted]"

// Ingester persists one inbound message.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) ingest.Result
}

// Downstream starts the stages that follow ingestion.
type Downstream interface {
	AfterIngest(ctx context.Context, res ingest.Result) []pipeline.TaskError
	AfterText(ctx context.Context, submissionID, landingURL string) []pipeline.TaskError
}

// OCRRunner extracts text from an evidence document into a submission.
type OCRRunner interface {
	Run(ctx context.Context, submissionID string, data []byte, mediaType string) evidence.StageResult
}

// LandingExtractor finds the landing URL in OCR output.
type LandingExtractor interface {
	ExtractCanonicalLandingURL(ctx context.Context, text, html string) (string, error)
}

// Runner schedules downstream work. The server passes Triggers.Go so
// webhooks return before the pipeline finishes; the CLI runs inline.
type Runner func(name string, fn func(ctx context.Context) []pipeline.TaskError)

// InlineRunner runs work synchronously on ctx and logs failures.
func InlineRunner(ctx context.Context) Runner {
	return func(name string, fn func(ctx context.Context) []pipeline.TaskError) {
		for _, te := range fn(ctx) {
			zap.L().Warn("channel: downstream task failed",
				zap.String("trigger", name),
				zap.String("task", te.Task),
				zap.Error(te.Err),
			)
		}
	}
}

// Redactor masks honeytrap inbox addresses so they never reach storage.
type Redactor struct {
	patterns []*regexp.Regexp
	token    string
}

// NewRedactor compiles the honeytrap patterns.
func NewRedactor(patterns []string, token string) (*Redactor, error) {
	if token == "" {
		token = DefaultRedactionToken
	}
	r := &Redactor{token: token}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, eris.Wrapf(err, "channel: compile honeytrap pattern %q", p)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact replaces every honeytrap match in s.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllLiteralString(s, r.token)
	}
	return s
}

// afterOCR picks the landing URL for text recovered by OCR and starts the
// text-dependent stages.
func afterOCR(ctx context.Context, down Downstream, links LandingExtractor, id, landing, text string) []pipeline.TaskError {
	if landing == "" && links != nil && strings.TrimSpace(text) != "" {
		u, err := links.ExtractCanonicalLandingURL(ctx, text, "")
		if err != nil {
			zap.L().Warn("channel: landing url from ocr text failed",
				zap.String("submission_id", id), zap.Error(err))
		} else {
			landing = u
		}
	}
	return down.AfterText(ctx, id, landing)
}
