package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/classify"
	"github.com/sells-group/solicitation-watch/internal/evidence"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/sender"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// Task names.
const (
	TaskClassify = "classify"
	TaskSender   = "sender"
	TaskCapture  = "capture"
)

// Classifier runs the classification stage.
type Classifier interface {
	Classify(ctx context.Context, submissionID string, opts classify.Options) classify.Result
}

// ExemptionRechecker re-applies exemption rules to stored violations. A
// Classifier that implements it is asked to recheck once a sender name
// has been written.
type ExemptionRechecker interface {
	RecheckExemptions(ctx context.Context, submissionID string) (int, error)
}

// SenderExtractor runs the sender stage.
type SenderExtractor interface {
	Extract(ctx context.Context, submissionID string) sender.Result
}

// LandingCapturer screenshots a landing page for a submission.
type LandingCapturer interface {
	Capture(ctx context.Context, submissionID, url string) evidence.CaptureResult
}

// Triggers wires the events that start or re-run pipeline stages.
type Triggers struct {
	store     store.Store
	classify  Classifier
	sender    SenderExtractor
	capture   LandingCapturer
	detachTTL time.Duration

	// classification runs for one submission are serialized so their
	// violation and status writes never interleave
	classifyLocks keyedMutex
	wg            sync.WaitGroup
}

// NewTriggers creates Triggers. detachTTL bounds work started with Go. A
// nil capturer disables landing capture.
func NewTriggers(st store.Store, c Classifier, s SenderExtractor, capture LandingCapturer, detachTTL time.Duration) *Triggers {
	if detachTTL <= 0 {
		detachTTL = 5 * time.Minute
	}
	return &Triggers{store: st, classify: c, sender: s, capture: capture, detachTTL: detachTTL}
}

func (t *Triggers) classifyTask(id string, opts classify.Options) Task {
	return Task{Name: TaskClassify, Run: func(ctx context.Context) error {
		unlock := t.classifyLocks.Lock(id)
		defer unlock()
		res := t.classify.Classify(ctx, id, opts)
		if !res.OK {
			return eris.New(res.Error)
		}
		return nil
	}}
}

func (t *Triggers) senderTask(id string, updated *bool) Task {
	return Task{Name: TaskSender, Run: func(ctx context.Context) error {
		res := t.sender.Extract(ctx, id)
		if res.Status == sender.StatusFailed {
			return eris.New(res.Error)
		}
		*updated = res.Status == sender.StatusUpdated
		return nil
	}}
}

// TriggerPipelines runs classification and sender extraction concurrently
// and waits for both. When a sender name was written, exemptions are
// rechecked so a classification that finished first still sees it.
func (t *Triggers) TriggerPipelines(ctx context.Context, submissionID string) []TaskError {
	var senderUpdated bool
	errs := Dispatch(ctx,
		t.classifyTask(submissionID, classify.Options{ReplaceExisting: true}),
		t.senderTask(submissionID, &senderUpdated),
	)
	if senderUpdated {
		t.recheckExemptions(ctx, submissionID)
	}
	return errs
}

func (t *Triggers) recheckExemptions(ctx context.Context, id string) {
	rc, ok := t.classify.(ExemptionRechecker)
	if !ok {
		return
	}
	unlock := t.classifyLocks.Lock(id)
	defer unlock()
	if _, err := rc.RecheckExemptions(ctx, id); err != nil {
		zap.L().Warn("pipeline: exemption recheck failed",
			zap.String("submission_id", id), zap.Error(err))
	}
}

// TriggerLandingCapture screenshots url and, once the screenshot is
// stored, re-classifies with the new evidence and existing comments.
func (t *Triggers) TriggerLandingCapture(ctx context.Context, submissionID, url string) []TaskError {
	if t.capture == nil {
		return nil
	}
	res := t.capture.Capture(ctx, submissionID, url)
	if !res.OK {
		return []TaskError{{Task: TaskCapture, Err: eris.Errorf("%s: %s", res.Code, res.Error)}}
	}
	return Dispatch(ctx, t.classifyTask(submissionID, classify.Options{
		IncludeExistingComments: true,
		ReplaceExisting:         true,
	}))
}

// OnReviewerComment stores a reviewer comment and re-classifies with all
// comments in context.
func (t *Triggers) OnReviewerComment(ctx context.Context, submissionID, content string) []TaskError {
	content = strings.TrimSpace(content)
	if content == "" {
		return []TaskError{{Task: "comment", Err: eris.New("pipeline: empty comment")}}
	}
	c := &model.Comment{SubmissionID: submissionID, Kind: model.CommentUser, Content: content}
	if err := t.store.AddComment(ctx, c); err != nil {
		return []TaskError{{Task: "comment", Err: eris.Wrap(err, "pipeline: add comment")}}
	}
	return t.Reclassify(ctx, submissionID)
}

// Reclassify is the manual re-run requested by an administrator.
func (t *Triggers) Reclassify(ctx context.Context, submissionID string) []TaskError {
	return Dispatch(ctx, t.classifyTask(submissionID, classify.Options{
		IncludeExistingComments: true,
		ReplaceExisting:         true,
	}))
}

// AfterIngest starts the downstream stages for a newly created
// fundraising submission. Landing capture runs alongside the first
// classification pass and triggers its own re-run once the screenshot
// lands. Submissions still waiting on OCR are left for the OCR path.
func (t *Triggers) AfterIngest(ctx context.Context, res ingest.Result) []TaskError {
	if !res.OK || !res.IsFundraising || res.AwaitingOCR {
		return nil
	}
	return t.AfterText(ctx, res.ID, res.LandingURL)
}

// AfterText runs the stages that need message text: classification and
// sender extraction, plus landing capture when a URL is known.
func (t *Triggers) AfterText(ctx context.Context, submissionID, landingURL string) []TaskError {
	tasks := []Task{
		{Name: "pipelines", Run: func(ctx context.Context) error {
			return joinTaskErrors(t.TriggerPipelines(ctx, submissionID))
		}},
	}
	if landingURL != "" && t.capture != nil {
		tasks = append(tasks, Task{Name: "landing", Run: func(ctx context.Context) error {
			return joinTaskErrors(t.TriggerLandingCapture(ctx, submissionID, landingURL))
		}})
	}

	var out []TaskError
	for _, te := range Dispatch(ctx, tasks...) {
		var nested nestedErrors
		if errors.As(te.Err, &nested) {
			out = append(out, nested...)
			continue
		}
		out = append(out, te)
	}
	return out
}

// Go runs fn detached from the caller's context, bounded by the
// configured lifetime, and tracked so Wait can drain it on shutdown.
func (t *Triggers) Go(name string, fn func(ctx context.Context) []TaskError) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.detachTTL)
		defer cancel()

		start := time.Now()
		errs := fn(ctx)
		fields := []zap.Field{
			zap.String("trigger", name),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if len(errs) > 0 {
			zap.L().Warn("pipeline: trigger finished with failures",
				append(fields, zap.Error(joinTaskErrors(errs)))...)
			return
		}
		zap.L().Info("pipeline: trigger finished", fields...)
	}()
}

// Wait blocks until every detached trigger has finished or ctx is done.
func (t *Triggers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: drain triggers")
	}
}

// nestedErrors carries task errors from an inner Dispatch through an
// outer one without losing the task names.
type nestedErrors []TaskError

func (n nestedErrors) Error() string {
	parts := make([]string, len(n))
	for i, e := range n {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func joinTaskErrors(errs []TaskError) error {
	if len(errs) == 0 {
		return nil
	}
	return nestedErrors(errs)
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
