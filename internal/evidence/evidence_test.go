package evidence

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/ocr"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/browser"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createSubmission(t *testing.T, st store.Store, raw string, status model.ProcessingStatus) *model.Submission {
	t.Helper()
	sub := &model.Submission{RawText: raw, MessageType: model.MessageTypeSMS, Status: status, IsFundraising: true, Public: true}
	sub.ApplyFingerprint(dedupe.BuildFingerprint(raw))
	require.NoError(t, st.CreateSubmission(context.Background(), sub))
	return sub
}

// testPNG draws a dark bar on a mid-gray background.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 150, G: 160, B: 170, A: 255}
			if y > h/3 && y < h/2 {
				c = color.NRGBA{R: 40, G: 30, B: 20, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreprocess(t *testing.T) {
	t.Parallel()
	out, err := Preprocess(testPNG(t, 400, 120), 200)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 60, img.Bounds().Dy())

	seen := map[uint32]bool{}
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			seen[r>>8] = true
		}
	}
	assert.Equal(t, map[uint32]bool{0: true, 255: true}, seen)
}

func TestPreprocess_InvalidImage(t *testing.T) {
	t.Parallel()
	_, err := Preprocess([]byte("not an image"), 100)
	assert.Error(t, err)
}

func TestOtsuThreshold(t *testing.T) {
	t.Parallel()
	var h [256]int
	h[20] = 100
	h[220] = 100
	th := otsuThreshold(h)
	assert.GreaterOrEqual(t, th, uint8(20))
	assert.Less(t, th, uint8(220))
	assert.Equal(t, uint8(127), otsuThreshold([256]int{}))
}

type scriptedOCR struct {
	mu    sync.Mutex
	reqs  []ocr.Request
	fails int
	text  string
	pages int
}

func (s *scriptedOCR) Extract(_ context.Context, req ocr.Request) (*ocr.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if len(s.reqs) <= s.fails {
		return nil, errors.New("ocr upstream timeout")
	}
	pages := s.pages
	if pages == 0 {
		pages = 1
	}
	return &ocr.Result{
		Text:       s.text,
		Confidence: 0.9,
		PageCount:  pages,
		Truncated:  req.MaxPages > 0 && pages > req.MaxPages,
	}, nil
}

func TestExtractText_PreprocessesImagesInline(t *testing.T) {
	t.Parallel()
	fake := &scriptedOCR{text: "Chip in $5"}
	stage := NewOCRStage(nil, fake, OCROptions{MaxWidth: 100})

	res, err := stage.ExtractText(context.Background(), testPNG(t, 300, 90), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Chip in $5", res.Text)
	assert.False(t, res.Retried)

	require.Len(t, fake.reqs, 1)
	assert.Equal(t, ocr.TransportInline, fake.reqs[0].Transport)
	assert.Equal(t, "image/png", fake.reqs[0].MediaType)
	assert.Equal(t, 3, fake.reqs[0].MaxPages)
}

func TestExtractText_RetriesOriginalOverUpload(t *testing.T) {
	t.Parallel()
	fake := &scriptedOCR{text: "match deadline", fails: 1}
	stage := NewOCRStage(nil, fake, OCROptions{})
	original := testPNG(t, 50, 30)

	res, err := stage.ExtractText(context.Background(), original, "application/octet-stream")
	require.NoError(t, err)
	assert.True(t, res.Retried)

	require.Len(t, fake.reqs, 2)
	assert.Equal(t, ocr.TransportUpload, fake.reqs[1].Transport)
	assert.Equal(t, original, fake.reqs[1].Data)
	assert.Equal(t, "image/png", fake.reqs[1].MediaType)
}

func TestExtractText_PDFBypassesPreprocessing(t *testing.T) {
	t.Parallel()
	fake := &scriptedOCR{text: "page text", pages: 5}
	stage := NewOCRStage(nil, fake, OCROptions{})
	pdf := []byte("%PDF-1.4 fake")

	res, err := stage.ExtractText(context.Background(), pdf, "application/pdf")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, pdf, fake.reqs[0].Data)
}

func TestExtractText_BothAttemptsFail(t *testing.T) {
	t.Parallel()
	stage := NewOCRStage(nil, &scriptedOCR{fails: 2}, OCROptions{})

	_, err := stage.ExtractText(context.Background(), []byte("%PDF"), "application/pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr retry")
}

func TestOCRRun_WritesTextAndFingerprint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "", model.StatusOCR)

	stage := NewOCRStage(st, &scriptedOCR{text: "Chip in $5 before midnight"}, OCROptions{})
	res := stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf")
	require.True(t, res.OK, res.Error)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Chip in $5 before midnight", got.RawText)
	fp := dedupe.BuildFingerprint(got.RawText)
	assert.Equal(t, fp.Hash, got.NormalizedHash)
	assert.Equal(t, fp.SimHash, got.SimHash)
	assert.Equal(t, model.StatusOCR, got.Status)
	require.NotNil(t, got.OCRMs)
}

func TestOCRRun_AppendsToExistingText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "See attached", model.StatusOCR)

	stage := NewOCRStage(st, &scriptedOCR{text: "DONATE NOW"}, OCROptions{})
	require.True(t, stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf").OK)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "See attached\n\nDONATE NOW", got.RawText)
}

func TestOCRRun_FailureSetsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "", model.StatusOCR)

	stage := NewOCRStage(st, &scriptedOCR{fails: 2}, OCROptions{})
	res := stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestOCRRun_DuplicateTextMarksDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	original := createSubmission(t, st, "Chip in $5 before midnight", model.StatusDone)
	sub := createSubmission(t, st, "", model.StatusOCR)

	stage := NewOCRStage(st, &scriptedOCR{text: "CHIP IN $5 before midnight!"}, OCROptions{})
	res := stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf")
	assert.False(t, res.OK)
	assert.Equal(t, original.ID, res.DuplicateOf)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Empty(t, got.RawText)
}

func TestOCRRun_UnknownSubmission(t *testing.T) {
	t.Parallel()
	stage := NewOCRStage(newTestStore(t), &scriptedOCR{text: "x"}, OCROptions{})
	res := stage.Run(context.Background(), "missing", []byte("%PDF"), "application/pdf")
	assert.False(t, res.OK)
}

// stallingOCR blocks until its context ends.
type stallingOCR struct{}

func (stallingOCR) Extract(ctx context.Context, _ ocr.Request) (*ocr.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOCRRun_CallerDeadlineStillEndsInError(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createSubmission(t, st, "", model.StatusOCR)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	stage := NewOCRStage(st, stallingOCR{}, OCROptions{Timeout: 5 * time.Second, RetryTimeout: 5 * time.Second})
	res := stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf")
	assert.False(t, res.OK)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestOCRRun_CancelledCallerEndsInError(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createSubmission(t, st, "", model.StatusOCR)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stage := NewOCRStage(st, &scriptedOCR{text: "x"}, OCROptions{})
	assert.False(t, stage.Run(ctx, sub.ID, []byte("%PDF"), "application/pdf").OK)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

type fakeShots struct {
	img   []byte
	err   error
	delay time.Duration
	urls  []string
}

func (f *fakeShots) Capture(ctx context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.img, f.err
}

func newCaptureFixture(t *testing.T, shots Screenshotter, timeout time.Duration) (*CaptureStage, store.Store, *blob.LocalStorage) {
	t.Helper()
	st := newTestStore(t)
	blobs, err := blob.NewLocalStorage(t.TempDir(), "http://localhost/blobs", "k")
	require.NoError(t, err)
	allow := browser.NewAllowlist([]string{"pay.example.com"})
	return NewCaptureStage(st, shots, blobs, allow, timeout), st, blobs
}

func TestCapture_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shots := &fakeShots{img: testPNG(t, 10, 10)}
	stage, st, blobs := newCaptureFixture(t, shots, time.Second)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	res := stage.Capture(ctx, sub.ID, "https://pay.example.com/donate/x?refcode=1")
	require.True(t, res.OK, res.Error)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderSuccess, got.LandingRenderStatus)
	assert.Equal(t, res.ScreenshotURL, got.LandingScreenshotURL)
	assert.Equal(t, "https://pay.example.com/donate/x?refcode=1", got.LandingURL)

	bucket, key, ok := blob.ParseRef(res.ScreenshotURL)
	require.True(t, ok)
	assert.Equal(t, ScreenshotBucket, bucket)
	data, err := blobs.Get(ctx, bucket, key)
	require.NoError(t, err)
	assert.Equal(t, shots.img, data)

	comments, err := st.ListComments(ctx, sub.ID, model.CommentLandingPage)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Content, "https://pay.example.com/donate/x")
}

func TestCapture_DomainNotAllowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shots := &fakeShots{}
	stage, st, _ := newCaptureFixture(t, shots, time.Second)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	res := stage.Capture(ctx, sub.ID, "https://169.254.169.254/latest")
	assert.False(t, res.OK)
	assert.Equal(t, CodeDomainNotAllowed, res.Code)
	assert.Empty(t, shots.urls)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderNone, got.LandingRenderStatus)
}

func TestCapture_TimeoutMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shots := &fakeShots{delay: time.Minute}
	stage, st, _ := newCaptureFixture(t, shots, 50*time.Millisecond)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	res := stage.Capture(ctx, sub.ID, "https://pay.example.com/slow")
	assert.False(t, res.OK)
	assert.Equal(t, CodeCaptureFailed, res.Code)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderFailed, got.LandingRenderStatus)
}

func TestCapture_RetryAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shots := &fakeShots{err: errors.New("chrome crashed")}
	stage, st, _ := newCaptureFixture(t, shots, time.Second)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	require.False(t, stage.Capture(ctx, sub.ID, "https://pay.example.com/a").OK)

	shots.err = nil
	shots.img = testPNG(t, 5, 5)
	res := stage.Capture(ctx, sub.ID, "https://pay.example.com/b")
	require.True(t, res.OK)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderSuccess, got.LandingRenderStatus)
	assert.Equal(t, "https://pay.example.com/b", got.LandingURL)
}

func TestCapture_CallerDeadlineMarksFailed(t *testing.T) {
	t.Parallel()
	shots := &fakeShots{delay: time.Minute}
	stage, st, _ := newCaptureFixture(t, shots, 15*time.Second)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := stage.Capture(ctx, sub.ID, "https://pay.example.com/slow")
	assert.False(t, res.OK)
	assert.Equal(t, CodeCaptureFailed, res.Code)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderFailed, got.LandingRenderStatus)
}

// successRejectingStore fails every successful render completion.
type successRejectingStore struct {
	store.Store
}

func (s successRejectingStore) CompleteRender(ctx context.Context, id string, status model.RenderStatus, screenshotURL string) error {
	if status == model.RenderSuccess {
		return errors.New("disk full")
	}
	return s.Store.CompleteRender(ctx, id, status, screenshotURL)
}

func TestCapture_CompleteWriteFailureMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shots := &fakeShots{img: testPNG(t, 10, 10)}
	_, st, blobs := newCaptureFixture(t, shots, time.Second)
	allow := browser.NewAllowlist([]string{"pay.example.com"})
	stage := NewCaptureStage(successRejectingStore{st}, shots, blobs, allow, time.Second)
	sub := createSubmission(t, st, "chip in", model.StatusOCR)

	res := stage.Capture(ctx, sub.ID, "https://pay.example.com/donate")
	assert.False(t, res.OK)
	assert.Equal(t, CodeStorageFailed, res.Code)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RenderFailed, got.LandingRenderStatus)
}
