package model

import "time"

// MessageType identifies the channel a submission arrived on.
type MessageType string

const (
	MessageTypeSMS     MessageType = "sms"
	MessageTypeEmail   MessageType = "email"
	MessageTypeUnknown MessageType = "unknown"
)

// ParseMessageType maps free-form channel names onto a MessageType.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeSMS, MessageTypeEmail:
		return MessageType(s)
	case "mms":
		return MessageTypeSMS
	default:
		return MessageTypeUnknown
	}
}

// ProcessingStatus is the lifecycle state of a submission.
type ProcessingStatus string

const (
	StatusOCR        ProcessingStatus = "ocr"
	StatusClassified ProcessingStatus = "classified"
	StatusDone       ProcessingStatus = "done"
	StatusError      ProcessingStatus = "error"
)

// statusTransitions is the authorized transition table. Any state may move
// to error; done and error may only re-enter the pipeline through ocr or
// classified when a stage is explicitly re-run.
var statusTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusOCR:        {StatusClassified, StatusDone, StatusError},
	StatusClassified: {StatusDone, StatusError},
	StatusDone:       {StatusOCR, StatusClassified, StatusError},
	StatusError:      {StatusOCR, StatusClassified, StatusDone},
}

// CanTransition reports whether a submission may move from one status to another.
// Re-asserting the current status is always allowed.
func (s ProcessingStatus) CanTransition(to ProcessingStatus) bool {
	if s == to {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedSources returns every status that may legally transition to s.
func (s ProcessingStatus) AllowedSources() []ProcessingStatus {
	var out []ProcessingStatus
	for _, from := range []ProcessingStatus{StatusOCR, StatusClassified, StatusDone, StatusError} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether no further pipeline work is pending.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// RenderStatus tracks landing-page screenshot capture.
type RenderStatus string

const (
	RenderNone    RenderStatus = ""
	RenderPending RenderStatus = "pending"
	RenderSuccess RenderStatus = "success"
	RenderFailed  RenderStatus = "failed"
)

// CanTransition reports whether a render status change is allowed. A new
// capture request may always reset to pending; success and failed are
// only reachable from pending.
func (s RenderStatus) CanTransition(to RenderStatus) bool {
	switch to {
	case RenderPending:
		return true
	case RenderSuccess, RenderFailed:
		return s == RenderPending
	default:
		return false
	}
}

// Fingerprint carries the normalized text together with both dedup keys.
// Hash and SimHash are always derived from NormalizedText in one step.
type Fingerprint struct {
	NormalizedText string `json:"normalized_text"`
	Hash           string `json:"normalized_hash"`
	SimHash        int64  `json:"simhash64"`
}

// Submission is one ingested solicitation.
type Submission struct {
	ID                   string           `json:"id"`
	RawText              string           `json:"raw_text"`
	NormalizedText       string           `json:"normalized_text"`
	NormalizedHash       string           `json:"normalized_hash"`
	SimHash              int64            `json:"simhash64"`
	MessageType          MessageType      `json:"message_type"`
	Status               ProcessingStatus `json:"processing_status"`
	SenderID             string           `json:"sender_id"`
	SenderName           *string          `json:"sender_name,omitempty"`
	LandingURL           string           `json:"landing_url,omitempty"`
	LandingScreenshotURL string           `json:"landing_screenshot_url,omitempty"`
	LandingRenderStatus  RenderStatus     `json:"landing_render_status,omitempty"`
	IsFundraising        bool             `json:"is_fundraising"`
	Public               bool             `json:"public"`
	AIVersion            string           `json:"ai_version,omitempty"`
	AIConfidence         *float64         `json:"ai_confidence,omitempty"`
	AISummary            string           `json:"ai_summary,omitempty"`
	OCRMs                *int64           `json:"ocr_ms,omitempty"`
	ClassifierMs         *int64           `json:"classifier_ms,omitempty"`
	EmailSubject         string           `json:"email_subject,omitempty"`
	EmailFrom            string           `json:"email_from,omitempty"`
	EmailBody            string           `json:"email_body,omitempty"`
	ImageURL             string           `json:"image_url,omitempty"`
	MediaURLs            []string         `json:"media_urls,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// ApplyFingerprint copies all fingerprint fields onto the submission at once.
func (s *Submission) ApplyFingerprint(fp Fingerprint) {
	s.NormalizedText = fp.NormalizedText
	s.NormalizedHash = fp.Hash
	s.SimHash = fp.SimHash
}

// DisplaySender returns the AI-resolved sender name, falling back to the
// provisional identifier captured at ingestion.
func (s *Submission) DisplaySender() string {
	if s.SenderName != nil && *s.SenderName != "" {
		return *s.SenderName
	}
	return s.SenderID
}

// ClassificationMeta is the submission-level output of one classifier run.
type ClassificationMeta struct {
	AIVersion    string
	AIConfidence float64
	AISummary    string
	ClassifierMs int64
}
