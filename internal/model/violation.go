package model

import "time"

// Violation is one detected policy issue on a submission. At most one row
// exists per (submission, code).
type Violation struct {
	ID           string    `json:"id,omitempty"`
	SubmissionID string    `json:"submission_id"`
	Code         string    `json:"code"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Evidence     []int     `json:"evidence"`
	Severity     int       `json:"severity"`
	Confidence   float64   `json:"confidence"`
	Exempt       bool      `json:"exempt"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClampSeverity bounds a severity to [1,5].
func ClampSeverity(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// ClampConfidence bounds a confidence to [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CommentKind discriminates user-visible comments from internal context.
type CommentKind string

const (
	CommentUser        CommentKind = "user"
	CommentLandingPage CommentKind = "landing_page"
)

// Comment is an immutable annotation on a submission.
type Comment struct {
	ID           string      `json:"id"`
	SubmissionID string      `json:"submission_id"`
	Kind         CommentKind `json:"kind"`
	Content      string      `json:"content"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ReportStatus tracks outbound report delivery.
type ReportStatus string

const (
	ReportQueued ReportStatus = "queued"
	ReportSent   ReportStatus = "sent"
	ReportFailed ReportStatus = "failed"
)

// Report records a violation report sent to the payment platform.
type Report struct {
	ID           string       `json:"id"`
	SubmissionID string       `json:"submission_id"`
	ToEmail      string       `json:"to_email"`
	CCEmails     []string     `json:"cc_emails,omitempty"`
	Subject      string       `json:"subject"`
	BodyText     string       `json:"body_text"`
	BodyHTML     string       `json:"body_html"`
	Status       ReportStatus `json:"status"`
	LandingURL   string       `json:"landing_url,omitempty"`
	EvidenceURL  string       `json:"evidence_url,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}
