// Package sender identifies the organization accountable for a
// solicitation.
package sender

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/classify"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

// Result statuses.
const (
	StatusUpdated = "updated"
	StatusUnknown = "unknown"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

const (
	maxTextChars    = 8000
	maxSenderLength = 200
)

const systemPrompt = `You identify who is accountable for a political fundraising message: the campaign, PAC, party committee or organization that paid for it or will receive the money.

Use, in order of preference: the "Paid for by" disclaimer, the committee named on the donation page, then the signature or brand in the message.

The message may have been forwarded by a volunteer. Forwarding headers ("---------- Forwarded message ---------", "Begin forwarded message:", "-----Original Message-----") and the forwarder's personal email address are NOT the sender. Never answer with a personal email address or the name of the person who forwarded the message.

Respond with JSON only: {"sender": "<organization name>"} or {"sender": null} if it cannot be determined.`

// Result reports the outcome of one sender extraction.
type Result struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Sender string `json:"sender,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stage resolves sender_name for a submission. It never touches any other
// field and its failures never change processing status.
type Stage struct {
	store     store.Store
	llm       anthropic.Client
	blobs     blob.Storage
	model     string
	maxTokens int64
}

// NewStage creates a sender Stage. A nil llm makes every run skip.
func NewStage(st store.Store, llm anthropic.Client, blobs blob.Storage, model string) *Stage {
	return &Stage{store: st, llm: llm, blobs: blobs, model: model, maxTokens: 256}
}

// Extract asks the model for the accountable sender and writes it to
// sender_name.
func (s *Stage) Extract(ctx context.Context, submissionID string) Result {
	start := time.Now()
	log := zap.L().With(zap.String("stage", "sender"), zap.String("submission_id", submissionID))

	if s.llm == nil {
		return Result{Status: StatusSkipped, Error: classify.ErrMissingCredentials.Error()}
	}

	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}
	}

	evidence, landing, err := classify.EvidenceImages(ctx, s.blobs, sub)
	if err != nil {
		log.Debug("sender: evidence images incomplete", zap.Error(err))
	}

	parts := []anthropic.ContentPart{anthropic.TextPart(messageText(sub))}
	if evidence != nil {
		parts = append(parts, anthropic.TextPart("Original message image:"), *evidence)
	}
	if landing != nil {
		parts = append(parts, anthropic.TextPart("Donation page screenshot:"), *landing)
	}

	resp, err := s.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    []anthropic.SystemBlock{{Text: systemPrompt}},
		Messages:  []anthropic.Message{anthropic.UserMessage(parts...)},
	})
	if err != nil {
		log.Warn("sender: llm call failed", zap.Error(err))
		return Result{Status: StatusFailed, Error: err.Error()}
	}
	resp.Usage.LogCost(s.model, "sender", submissionID)

	name, ok := parseSender(resp.Text())
	if !ok || looksLikeForwarder(name, sub) {
		log.Info("sender: not determined", zap.String("answer", name))
		return Result{OK: true, Status: StatusUnknown}
	}

	if err := s.store.UpdateSenderName(ctx, submissionID, name); err != nil {
		log.Warn("sender: store failed", zap.Error(err))
		return Result{Status: StatusFailed, Error: err.Error()}
	}

	log.Info("sender: resolved", zap.String("sender", name), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return Result{OK: true, Status: StatusUpdated, Sender: name}
}

func messageText(sub *model.Submission) string {
	var sb strings.Builder
	if sub.MessageType == model.MessageTypeEmail {
		if sub.EmailFrom != "" {
			sb.WriteString("Original From header: " + sub.EmailFrom + "\n")
		}
		if sub.EmailSubject != "" {
			sb.WriteString("Subject: " + sub.EmailSubject + "\n")
		}
	}
	text := []rune(strings.TrimSpace(sub.RawText))
	if len(text) > maxTextChars {
		text = text[:maxTextChars]
	}
	sb.WriteString("\nMessage:\n")
	sb.WriteString(string(text))
	return sb.String()
}

func parseSender(text string) (string, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}

	var out struct {
		Sender *string `json:"sender"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		zap.L().Debug("sender: unparseable answer", zap.Error(err))
		return "", false
	}
	if out.Sender == nil {
		return "", false
	}
	name := strings.TrimSpace(*out.Sender)
	if name == "" || len(name) > maxSenderLength {
		return name, false
	}
	switch strings.ToLower(name) {
	case "unknown", "null", "none", "n/a":
		return name, false
	}
	return name, true
}

// looksLikeForwarder rejects answers that are an email address, which for
// forwarded mail is almost always the volunteer rather than the committee.
func looksLikeForwarder(name string, sub *model.Submission) bool {
	if strings.Contains(name, "@") {
		return true
	}
	return sub.MessageType == model.MessageTypeEmail && sub.SenderID != "" &&
		strings.EqualFold(name, sub.SenderID)
}
