// Package store persists submissions, violations, comments and reports.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrDuplicateHash is returned when a submission with the same
	// normalized hash already exists. It is the authoritative exact-duplicate
	// signal.
	ErrDuplicateHash = eris.New("store: duplicate normalized hash")
	// ErrInvalidTransition is returned when a guarded status update finds the
	// row in a state that may not move to the requested status.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// SubmissionFilter specifies criteria for listing submissions.
type SubmissionFilter struct {
	Status     model.ProcessingStatus `json:"status,omitempty"`
	PublicOnly bool                   `json:"public_only,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// OCRUpdate carries the fields the OCR stage writes. The fingerprint is
// recomputed from the new raw text so hash and simhash stay in sync.
type OCRUpdate struct {
	RawText     string
	Fingerprint model.Fingerprint
	OCRMs       int64
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	dedupe.Corpus

	// Submissions
	CreateSubmission(ctx context.Context, sub *model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error)
	UpdateStatus(ctx context.Context, id string, to model.ProcessingStatus) error
	UpdateOCRText(ctx context.Context, id string, upd OCRUpdate) error
	SetLandingPending(ctx context.Context, id, landingURL string) error
	CompleteRender(ctx context.Context, id string, status model.RenderStatus, screenshotURL string) error
	UpdateSenderName(ctx context.Context, id, name string) error
	SetImageURL(ctx context.Context, id, imageURL string) error
	UpdateClassification(ctx context.Context, id string, meta model.ClassificationMeta) error

	// Violations
	ReplaceViolations(ctx context.Context, submissionID string, vs []model.Violation) error
	AppendViolations(ctx context.Context, submissionID string, vs []model.Violation) error
	ListViolations(ctx context.Context, submissionID string) ([]model.Violation, error)
	MarkExempt(ctx context.Context, submissionID string, codes []string) (int, error)

	// Comments
	AddComment(ctx context.Context, c *model.Comment) error
	ListComments(ctx context.Context, submissionID string, kinds ...model.CommentKind) ([]model.Comment, error)

	// Reports
	CreateReport(ctx context.Context, r *model.Report) error
	UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus, errMsg string) error
	ListReports(ctx context.Context, submissionID string) ([]model.Report, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func statusStrings(ss []model.ProcessingStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func kindStrings(ks []model.CommentKind) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}
