package evidence

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/ocr"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// OCROptions bounds the OCR stage.
type OCROptions struct {
	Timeout      time.Duration
	RetryTimeout time.Duration
	MaxPages     int
	MaxWidth     int
}

// OCRResult is the text extracted from one document.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	PageCount  int     `json:"page_count,omitempty"`
	Truncated  bool    `json:"truncated,omitempty"`
	Retried    bool    `json:"retried,omitempty"`
}

// StageResult reports the outcome of OCRStage.Run.
type StageResult struct {
	OK          bool   `json:"ok"`
	Text        string `json:"text,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Ms          int64  `json:"ms"`
	Error       string `json:"error,omitempty"`
}

// OCRStage extracts text from evidence images and writes it to the
// submission.
type OCRStage struct {
	store store.Store
	ocr   ocr.Extractor
	opts  OCROptions
}

// NewOCRStage creates an OCRStage with defaults for unset options.
func NewOCRStage(st store.Store, ext ocr.Extractor, opts OCROptions) *OCRStage {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 60 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 3
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 2000
	}
	return &OCRStage{store: st, ocr: ext, opts: opts}
}

// ExtractText runs OCR on one document. Images are preprocessed and sent
// inline first; on failure the untouched original is retried once over the
// upload transport with the longer timeout. PDFs skip preprocessing.
func (s *OCRStage) ExtractText(ctx context.Context, data []byte, mediaType string) (*OCRResult, error) {
	log := zap.L().With(zap.String("stage", "ocr"), zap.String("media_type", mediaType))

	first, firstType := data, mediaType
	if !ocr.IsPDF(mediaType) {
		pre, err := Preprocess(data, s.opts.MaxWidth)
		if err != nil {
			log.Warn("evidence: preprocessing failed, using original", zap.Error(err))
		} else {
			first, firstType = pre, "image/png"
		}
	}

	res, err := s.attempt(ctx, s.opts.Timeout, ocr.Request{
		Data: first, MediaType: firstType, Transport: ocr.TransportInline, MaxPages: s.opts.MaxPages,
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(err, "evidence: ocr")
	}
	log.Warn("evidence: ocr failed, retrying original over upload", zap.Error(err))

	res, retryErr := s.attempt(ctx, s.opts.RetryTimeout, ocr.Request{
		Data: data, MediaType: originalMediaType(data, mediaType), Transport: ocr.TransportUpload, MaxPages: s.opts.MaxPages,
	})
	if retryErr != nil {
		return nil, eris.Wrapf(retryErr, "evidence: ocr retry (first attempt: %v)", err)
	}
	res.Retried = true
	return res, nil
}

func (s *OCRStage) attempt(ctx context.Context, timeout time.Duration, req ocr.Request) (*OCRResult, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.ocr.Extract(actx, req)
	if err != nil {
		return nil, err
	}
	return &OCRResult{
		Text:       out.Text,
		Confidence: out.Confidence,
		PageCount:  out.PageCount,
		Truncated:  out.Truncated,
	}, nil
}

// Run OCRs the document and stores the text on the submission, recomputing
// its fingerprint. Text colliding with another submission marks this one
// done and reports the original.
func (s *OCRStage) Run(ctx context.Context, submissionID string, data []byte, mediaType string) StageResult {
	start := time.Now()
	log := zap.L().With(zap.String("stage", "ocr"), zap.String("submission_id", submissionID))

	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.setStatus(ctx, submissionID, model.StatusError, log)
		}
		return StageResult{Error: err.Error()}
	}
	if err := s.store.UpdateStatus(ctx, submissionID, model.StatusOCR); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			s.setStatus(ctx, submissionID, model.StatusError, log)
		}
		return StageResult{Error: err.Error()}
	}

	res, err := s.ExtractText(ctx, data, mediaType)
	if err != nil {
		log.Error("evidence: ocr failed", zap.Error(err))
		s.setStatus(ctx, submissionID, model.StatusError, log)
		return StageResult{Error: err.Error(), Ms: time.Since(start).Milliseconds()}
	}

	raw := mergeText(sub.RawText, res.Text)
	fp := dedupe.BuildFingerprint(raw)
	ms := time.Since(start).Milliseconds()

	err = s.store.UpdateOCRText(ctx, submissionID, store.OCRUpdate{RawText: raw, Fingerprint: fp, OCRMs: ms})
	switch {
	case errors.Is(err, store.ErrDuplicateHash):
		dupID, lookupErr := s.store.FindIDByHash(ctx, fp.Hash)
		if lookupErr != nil {
			log.Warn("evidence: lookup of duplicate failed", zap.Error(lookupErr))
		}
		log.Info("evidence: ocr text duplicates an existing submission", zap.String("duplicate_of", dupID))
		s.setStatus(ctx, submissionID, model.StatusDone, log)
		return StageResult{Text: res.Text, Truncated: res.Truncated, DuplicateOf: dupID, Ms: ms, Error: "duplicate"}
	case err != nil:
		log.Error("evidence: store ocr text failed", zap.Error(err))
		s.setStatus(ctx, submissionID, model.StatusError, log)
		return StageResult{Error: err.Error(), Ms: ms}
	}

	log.Info("evidence: ocr complete",
		zap.Int("chars", len(res.Text)),
		zap.Bool("truncated", res.Truncated),
		zap.Bool("retried", res.Retried),
		zap.Int64("duration_ms", ms),
	)
	return StageResult{OK: true, Text: res.Text, Truncated: res.Truncated, Ms: ms}
}

// setStatus writes a terminal status detached from ctx, so an expired
// caller still leaves the row in done or error.
func (s *OCRStage) setStatus(ctx context.Context, id string, to model.ProcessingStatus, log *zap.Logger) {
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := s.store.UpdateStatus(wctx, id, to); err != nil {
		log.Error("evidence: status update failed", zap.String("to", string(to)), zap.Error(err))
	}
}

// mergeText appends OCR output to any text the message already carried.
func mergeText(existing, extracted string) string {
	existing = strings.TrimSpace(existing)
	extracted = strings.TrimSpace(extracted)
	switch {
	case existing == "":
		return extracted
	case extracted == "" || strings.Contains(existing, extracted):
		return existing
	default:
		return existing + "\n\n" + extracted
	}
}

// originalMediaType trusts a declared PDF and otherwise sniffs image bytes,
// since uploads often arrive as application/octet-stream.
func originalMediaType(data []byte, declared string) string {
	if ocr.IsPDF(declared) {
		return declared
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") || sniffed == "application/pdf" {
		return sniffed
	}
	return declared
}
