package evidence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/links"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/resilience"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/browser"
)

// ScreenshotBucket holds landing page captures.
const ScreenshotBucket = "screenshots"

// Capture failure codes.
const (
	CodeDomainNotAllowed = "domain_not_allowed"
	CodeCaptureFailed    = "capture_failed"
	CodeStorageFailed    = "storage_failed"
)

// Screenshotter renders a URL to image bytes within ctx's deadline.
type Screenshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// CaptureResult reports the outcome of one landing capture.
type CaptureResult struct {
	OK            bool   `json:"ok"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
	Code          string `json:"code,omitempty"`
	Error         string `json:"error,omitempty"`
	Ms            int64  `json:"ms"`
}

// CaptureStage screenshots landing pages and records the render lifecycle.
type CaptureStage struct {
	store   store.Store
	shots   Screenshotter
	blobs   blob.Storage
	allow   *browser.Allowlist
	timeout time.Duration
	retry   resilience.RetryConfig
}

// NewCaptureStage creates a CaptureStage. timeout is the hard ceiling
// covering browser launch, navigation and render.
func NewCaptureStage(st store.Store, shots Screenshotter, blobs blob.Storage, allow *browser.Allowlist, timeout time.Duration) *CaptureStage {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = 100 * time.Millisecond
	return &CaptureStage{store: st, shots: shots, blobs: blobs, allow: allow, timeout: timeout, retry: retry}
}

// Capture validates url, renders it, stores the image and moves the render
// status to success or failed. A disallowed URL leaves the submission
// untouched.
func (s *CaptureStage) Capture(ctx context.Context, submissionID, url string) CaptureResult {
	start := time.Now()
	log := zap.L().With(
		zap.String("stage", "capture"),
		zap.String("submission_id", submissionID),
		zap.String("url", url),
	)

	if err := s.allow.Check(url); err != nil {
		log.Warn("evidence: capture refused", zap.Error(err))
		return CaptureResult{Code: CodeDomainNotAllowed, Error: err.Error()}
	}

	if err := s.store.SetLandingPending(ctx, submissionID, url); err != nil {
		return CaptureResult{Code: CodeStorageFailed, Error: err.Error()}
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	img, err := s.shots.Capture(cctx, url)
	cancel()
	if err != nil {
		log.Warn("evidence: capture failed", zap.Error(err))
		s.fail(ctx, submissionID, log)
		return CaptureResult{Code: CodeCaptureFailed, Error: err.Error(), Ms: time.Since(start).Milliseconds()}
	}

	contentType := http.DetectContentType(img)
	key := fmt.Sprintf("%s/landing-%d%s", submissionID, start.UnixNano(), blob.ExtensionFor(contentType))
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.blobs.Put(ctx, ScreenshotBucket, key, img, contentType)
	})
	if err != nil {
		log.Error("evidence: store screenshot failed", zap.Error(err))
		s.fail(ctx, submissionID, log)
		return CaptureResult{Code: CodeStorageFailed, Error: err.Error(), Ms: time.Since(start).Milliseconds()}
	}

	ref := blob.Ref(ScreenshotBucket, key)
	wctx, wcancel := detached(ctx)
	err = s.store.CompleteRender(wctx, submissionID, model.RenderSuccess, ref)
	wcancel()
	if err != nil {
		log.Error("evidence: complete render failed", zap.Error(err))
		s.fail(ctx, submissionID, log)
		return CaptureResult{Code: CodeStorageFailed, Error: err.Error(), Ms: time.Since(start).Milliseconds()}
	}

	note := &model.Comment{
		SubmissionID: submissionID,
		Kind:         model.CommentLandingPage,
		Content:      "Landing page captured: " + links.StripQuery(url),
	}
	if err := s.store.AddComment(ctx, note); err != nil {
		log.Warn("evidence: landing comment failed", zap.Error(err))
	}

	ms := time.Since(start).Milliseconds()
	log.Info("evidence: landing captured", zap.Int("bytes", len(img)), zap.Int64("duration_ms", ms))
	return CaptureResult{OK: true, ScreenshotURL: ref, Ms: ms}
}

// fail marks the render failed. The write is detached from ctx so a
// cancelled capture never leaves the render pending.
func (s *CaptureStage) fail(ctx context.Context, id string, log *zap.Logger) {
	wctx, cancel := detached(ctx)
	defer cancel()
	err := s.store.CompleteRender(wctx, id, model.RenderFailed, "")
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		log.Error("evidence: mark render failed", zap.Error(err))
	}
}

// statusWriteTimeout bounds a terminal status write made after the
// caller's context is gone.
const statusWriteTimeout = 10 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
}
