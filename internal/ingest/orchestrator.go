package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// ErrorDuplicate is the Result.Error value for a rejected duplicate.
const ErrorDuplicate = "duplicate"

// DuplicateFinder looks a fingerprint up in the stored corpus.
type DuplicateFinder interface {
	FindFingerprint(ctx context.Context, fp model.Fingerprint) (dedupe.Match, error)
}

// LandingExtractor finds the canonical landing URL in a message.
type LandingExtractor interface {
	ExtractCanonicalLandingURL(ctx context.Context, text, html string) (string, error)
}

// Metadata carries channel-specific fields stored alongside the submission.
type Metadata struct {
	HTML         string
	EmailSubject string
	EmailFrom    string
	EmailBody    string
	ImageURL     string
	MediaURLs    []string
}

// Request is one inbound message.
type Request struct {
	// Text is the cleaned message text used for scoring and link extraction.
	Text string
	// RawText is the best available original text. Falls back to Text.
	RawText     string
	SenderID    string
	MessageType model.MessageType
	Metadata    Metadata
}

// Result is the outcome of one ingestion.
type Result struct {
	OK            bool             `json:"ok"`
	ID            string           `json:"id,omitempty"`
	Error         string           `json:"error,omitempty"`
	DuplicateOf   string           `json:"duplicate_of,omitempty"`
	MatchKind     dedupe.MatchKind `json:"match,omitempty"`
	Distance      int              `json:"distance,omitempty"`
	IsFundraising bool             `json:"is_fundraising"`
	LandingURL    string           `json:"landing_url,omitempty"`
	AwaitingOCR   bool             `json:"awaiting_ocr,omitempty"`
}

// Orchestrator runs the ingestion steps: score, dedupe, extract the landing
// URL, persist.
type Orchestrator struct {
	store     store.Store
	heuristic *Heuristic
	dupes     DuplicateFinder
	links     LandingExtractor
}

// NewOrchestrator creates an Orchestrator. A nil LandingExtractor skips URL
// extraction.
func NewOrchestrator(st store.Store, h *Heuristic, dupes DuplicateFinder, links LandingExtractor) *Orchestrator {
	return &Orchestrator{store: st, heuristic: h, dupes: dupes, links: links}
}

// Ingest scores, dedupes and persists one message. It never returns an
// error; failures are reported in Result.
func (o *Orchestrator) Ingest(ctx context.Context, req Request) Result {
	start := time.Now()
	log := zap.L().With(
		zap.String("stage", "ingest"),
		zap.String("message_type", string(req.MessageType)),
	)

	raw := req.RawText
	if strings.TrimSpace(raw) == "" {
		raw = req.Text
	}

	scoreText := req.Text
	if req.Metadata.EmailSubject != "" {
		scoreText = req.Metadata.EmailSubject + "\n" + scoreText
	}
	fundraising := o.heuristic.IsFundraising(scoreText)
	// Media-only messages carry their text in images; keep them in the
	// pipeline so OCR can decide.
	awaitingOCR := strings.TrimSpace(raw) == "" && len(req.Metadata.MediaURLs) > 0
	if awaitingOCR {
		fundraising = true
	}

	fp := dedupe.BuildFingerprint(raw)
	if o.dupes != nil {
		match, err := o.dupes.FindFingerprint(ctx, fp)
		if err != nil {
			log.Warn("ingest: duplicate check failed, continuing", zap.Error(err))
		} else if match.Found() {
			log.Info("ingest: duplicate rejected",
				zap.String("duplicate_of", match.CaseID),
				zap.String("match", string(match.Kind)),
				zap.Int("distance", match.Distance),
			)
			return Result{
				Error:         ErrorDuplicate,
				ID:            match.CaseID,
				DuplicateOf:   match.CaseID,
				MatchKind:     match.Kind,
				Distance:      match.Distance,
				IsFundraising: fundraising,
			}
		}
	}

	var landing string
	if o.links != nil {
		u, err := o.links.ExtractCanonicalLandingURL(ctx, req.Text, req.Metadata.HTML)
		if err != nil {
			log.Warn("ingest: landing url extraction failed", zap.Error(err))
		} else {
			landing = u
		}
	}

	sub := &model.Submission{
		RawText:      raw,
		MessageType:  req.MessageType,
		SenderID:     req.SenderID,
		LandingURL:   landing,
		EmailSubject: req.Metadata.EmailSubject,
		EmailFrom:    req.Metadata.EmailFrom,
		EmailBody:    req.Metadata.EmailBody,
		ImageURL:     req.Metadata.ImageURL,
		MediaURLs:    req.Metadata.MediaURLs,
	}
	if sub.MessageType == "" {
		sub.MessageType = model.MessageTypeUnknown
	}
	sub.ApplyFingerprint(fp)
	if fundraising {
		sub.Status = model.StatusOCR
		sub.IsFundraising = true
		sub.Public = true
	} else {
		sub.Status = model.StatusDone
	}

	if err := o.store.CreateSubmission(ctx, sub); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			return o.duplicateFromIndex(ctx, fp, fundraising, log)
		}
		log.Error("ingest: persist submission failed", zap.Error(err))
		return Result{Error: err.Error(), IsFundraising: fundraising, LandingURL: landing}
	}

	log.Info("ingest: submission created",
		zap.String("submission_id", sub.ID),
		zap.Bool("is_fundraising", fundraising),
		zap.String("landing_url", landing),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return Result{
		OK:            true,
		ID:            sub.ID,
		IsFundraising: fundraising,
		LandingURL:    landing,
		AwaitingOCR:   awaitingOCR,
	}
}

// duplicateFromIndex handles a unique-index conflict: a concurrent ingest
// won the race, so report its id.
func (o *Orchestrator) duplicateFromIndex(ctx context.Context, fp model.Fingerprint, fundraising bool, log *zap.Logger) Result {
	res := Result{
		Error:         ErrorDuplicate,
		MatchKind:     dedupe.MatchExact,
		IsFundraising: fundraising,
	}
	id, err := o.store.FindIDByHash(ctx, fp.Hash)
	if err != nil {
		log.Warn("ingest: lookup of conflicting submission failed", zap.Error(err))
		return res
	}
	res.ID, res.DuplicateOf = id, id
	log.Info("ingest: duplicate rejected by unique index", zap.String("duplicate_of", id))
	return res
}
