package classify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/config"
	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

func testTaxonomy(t *testing.T) *Taxonomy {
	t.Helper()
	tax, err := DefaultTaxonomy()
	require.NoError(t, err)
	return tax
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "classify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createSubmission(t *testing.T, st store.Store, raw string) *model.Submission {
	t.Helper()
	sub := &model.Submission{
		RawText: raw, MessageType: model.MessageTypeSMS, Status: model.StatusOCR,
		SenderID: "+15550100", IsFundraising: true, Public: true,
	}
	sub.ApplyFingerprint(dedupe.BuildFingerprint(raw))
	require.NoError(t, st.CreateSubmission(context.Background(), sub))
	return sub
}

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []anthropic.MessageRequest
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.reply}},
		Usage:   anthropic.TokenUsage{InputTokens: 1200, OutputTokens: 150},
	}, nil
}

func (f *fakeLLM) lastUserText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sb strings.Builder
	for _, p := range f.reqs[len(f.reqs)-1].Messages[0].Parts {
		if p.Type == anthropic.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

const twoCodeReply = "```json\n" + `{
  "violations": [
    {"code": "AB001", "title": "Fake 5x match", "rationale": "Claims 5X match.", "evidence": [2], "severity": 4, "confidence": 0.9},
    {"code": "AB002", "title": "Midnight deadline", "rationale": "Rolling deadline.", "evidence": [1], "severity": 3, "confidence": 0.6},
    {"code": "AB001", "title": "Match claim", "rationale": "Repeats match.", "evidence": [3, 2], "severity": 2, "confidence": 0.5}
  ],
  "summary": "Urgent match appeal.",
  "confidence": 0.8
}` + "\n```"

func TestDefaultTaxonomy(t *testing.T) {
	t.Parallel()
	tax := testTaxonomy(t)
	require.Len(t, tax.Codes, 9)
	assert.Equal(t, "AB001", tax.Codes[0].Code)
	assert.Equal(t, "AB009", tax.Codes[8].Code)
	for _, c := range tax.Codes {
		assert.NotEmpty(t, c.Title, c.Code)
		assert.NotEmpty(t, c.Rules, c.Code)
		assert.Equal(t, c.Severity, model.ClampSeverity(c.Severity), c.Code)
	}
	_, ok := tax.Lookup("AB010")
	assert.False(t, ok)
}

func TestParseTaxonomy_DuplicateCode(t *testing.T) {
	t.Parallel()
	_, err := ParseTaxonomy([]byte("codes:\n  - code: X1\n  - code: X1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate taxonomy code X1")
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	tax := testTaxonomy(t)

	reply := `Here is my analysis:
{"violations": [
  {"code": "ab003", "rationale": "Styled as IRS notice", "severity": 9},
  {"code": "ZZ999", "rationale": "not in list", "confidence": 0.9},
  {"code": "AB005", "severity": 0, "confidence": 1.7},
  {"code": "AB008", "confidence": -0.2}
], "summary": "  Notice-style appeal. ", "confidence": 0.65}
Thanks!`

	got := ParseResponse(reply, tax)
	assert.False(t, got.Malformed)
	assert.Equal(t, "Notice-style appeal.", got.Summary)
	assert.InDelta(t, 0.65, got.Confidence, 1e-9)
	assert.Equal(t, 1, got.Dropped)
	require.Len(t, got.Findings, 3)

	assert.Equal(t, "AB003", got.Findings[0].Code)
	assert.Equal(t, 5, got.Findings[0].Severity)
	assert.InDelta(t, 0.65, got.Findings[0].Confidence, 1e-9, "missing confidence inherits overall")

	assert.Equal(t, 1, got.Findings[1].Severity)
	assert.InDelta(t, 1.0, got.Findings[1].Confidence, 1e-9)

	entry, _ := tax.Lookup("AB008")
	assert.Equal(t, entry.Severity, got.Findings[2].Severity, "missing severity uses taxonomy default")
	assert.InDelta(t, 0.0, got.Findings[2].Confidence, 1e-9)
}

func TestParseResponse_Malformed(t *testing.T) {
	t.Parallel()
	for _, reply := range []string{"", "I cannot help with that.", `{"violations": [`, `{"violations": "none"}`} {
		got := ParseResponse(reply, testTaxonomy(t))
		assert.True(t, got.Malformed, reply)
		assert.Empty(t, got.Findings)
		assert.Contains(t, got.Summary, "unparseable")
	}
}

func TestCleanJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix {\"a\":{\"b\":2}} suffix", `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

func TestMerge_OnePerCode(t *testing.T) {
	t.Parallel()
	tax := testTaxonomy(t)
	parsed := ParseResponse(twoCodeReply, tax)
	require.Len(t, parsed.Findings, 3)

	vs := Merge(parsed.Findings, tax)
	require.Len(t, vs, 2)

	ab1 := vs[0]
	assert.Equal(t, "AB001", ab1.Code)
	assert.Equal(t, "Fake 5x match", ab1.Title)
	assert.Equal(t, 4, ab1.Severity)
	assert.InDelta(t, 0.9, ab1.Confidence, 1e-9)
	assert.Equal(t, "Claims 5X match.\n\nRepeats match.", ab1.Description)
	assert.Equal(t, []int{2, 3}, ab1.Evidence)

	assert.Equal(t, "AB002", vs[1].Code)
	assert.Equal(t, []int{1}, vs[1].Evidence)
}

func TestMerge_HigherConfidenceLaterWins(t *testing.T) {
	t.Parallel()
	tax := testTaxonomy(t)
	vs := Merge([]RawFinding{
		{Code: "AB004", Title: "first", Severity: 2, Confidence: 0.3, Evidence: []int{5, 0, -1}},
		{Code: "AB004", Severity: 5, Confidence: 0.7},
	}, tax)
	require.Len(t, vs, 1)
	entry, _ := tax.Lookup("AB004")
	assert.Equal(t, entry.Title, vs[0].Title, "empty title falls back to taxonomy")
	assert.Equal(t, 5, vs[0].Severity)
	assert.Equal(t, []int{5}, vs[0].Evidence)
	assert.Empty(t, Merge(nil, tax))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("  short  ", 10))

	long := strings.Repeat("é", 30)
	got := truncate(long, 10)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("é", 10)+"\n"))
	assert.Contains(t, got, TruncatedMarker+" 10 of 30 characters shown")
}

func TestNumberLines(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[1] a\n[2] b\n"+TruncatedMarker+" x\n", numberLines("a\nb\n"+TruncatedMarker+" x"))
	assert.Equal(t, "(no text)\n", numberLines(""))
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	tax := testTaxonomy(t)
	evidence := anthropic.ImagePart("image/png", []byte{1})
	landing := anthropic.ImagePart("image/png", []byte{2})

	system, parts := BuildPrompt(tax, PromptInput{
		Text:         "Chip in now\n5X MATCH",
		MessageType:  model.MessageTypeEmail,
		EmailSubject: "FINAL NOTICE",
		EmailFrom:    "team@candidate.example",
		Evidence:     &evidence,
		Landing:      &landing,
		LandingURL:   "https://secure.actblue.com/donate/x?refcode=abc",
		Comments:     []string{"The match is real, sanctioned by the platform", "  "},
	})

	for _, c := range tax.Codes {
		assert.Contains(t, system, c.Code)
	}
	assert.Contains(t, system, `"violations"`)

	require.Len(t, parts, 6)
	assert.Contains(t, parts[0].Text, "Subject: FINAL NOTICE")
	assert.Contains(t, parts[0].Text, "From: team@candidate.example")
	assert.Contains(t, parts[0].Text, "[2] 5X MATCH")
	assert.Equal(t, anthropic.PartImage, parts[2].Type)
	assert.Contains(t, parts[3].Text, "https://secure.actblue.com/donate/x:")
	assert.NotContains(t, parts[3].Text, "refcode")
	assert.Equal(t, []byte{2}, parts[4].Data)
	assert.Equal(t, "Reviewer comments:\n- The match is real, sanctioned by the platform\n", parts[5].Text)
}

func TestBuildPrompt_SMSTextOnly(t *testing.T) {
	t.Parallel()
	_, parts := BuildPrompt(testTaxonomy(t), PromptInput{Text: "Donate", MessageType: model.MessageTypeSMS, EmailSubject: "ignored"})
	require.Len(t, parts, 1)
	assert.NotContains(t, parts[0].Text, "Subject:")
}

func newStage(t *testing.T, st store.Store, llm anthropic.Client, blobs blob.Storage, rules []config.ExemptionRule) *Stage {
	t.Helper()
	tax := testTaxonomy(t)
	return NewStage(st, llm, blobs, tax, NewExemptionChecker(st, rules), StageConfig{Model: "claude-sonnet-4-5-20250929"})
}

func TestClassify_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Deadline midnight!\n5X MATCH active\nGive now")
	llm := &fakeLLM{reply: twoCodeReply}

	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 2, res.ViolationCount)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, "Urgent match appeal.", got.AISummary)
	require.NotNil(t, got.AIConfidence)
	assert.InDelta(t, 0.8, *got.AIConfidence, 1e-9)
	assert.Equal(t, "2025-10:claude-sonnet-4-5-20250929", got.AIVersion)
	assert.NotNil(t, got.ClassifierMs)

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, []int{2, 3}, vs[0].Evidence)

	require.Len(t, llm.reqs, 1)
	req := llm.reqs[0]
	require.Len(t, req.System, 1)
	assert.NotNil(t, req.System[0].CacheControl)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Contains(t, llm.lastUserText(), "[2] 5X MATCH active")
}

func TestClassify_ReplaceRemovesStaleViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	require.NoError(t, st.ReplaceViolations(ctx, sub.ID, []model.Violation{{Code: "AB009", Severity: 3, Confidence: 0.4}}))

	llm := &fakeLLM{reply: `{"violations":[{"code":"AB002","confidence":0.7}],"summary":"s","confidence":0.7}`}
	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	require.True(t, res.OK, res.Error)

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "AB002", vs[0].Code)
}

func TestClassify_AppendKeepsExisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	require.NoError(t, st.ReplaceViolations(ctx, sub.ID, []model.Violation{{Code: "AB009", Severity: 3, Confidence: 0.4}}))

	llm := &fakeLLM{reply: `{"violations":[{"code":"AB002","confidence":0.7}],"summary":"s","confidence":0.7}`}
	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{})
	require.True(t, res.OK, res.Error)

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestClassify_MissingCredentialsSetsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")

	res := newStage(t, st, nil, nil, nil).Classify(ctx, sub.ID, Options{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "API key not configured")

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestClassify_LLMFailureSetsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	llm := &fakeLLM{err: errors.New("anthropic: 529 overloaded")}

	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "overloaded")

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestClassify_MalformedResponseKeepsViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	require.NoError(t, st.ReplaceViolations(ctx, sub.ID, []model.Violation{{Code: "AB001", Severity: 4, Confidence: 0.9}}))

	llm := &fakeLLM{reply: "Sorry, I can't produce JSON right now."}
	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 1, res.ViolationCount)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Contains(t, got.AISummary, "unparseable")

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

type failingViolationsStore struct {
	store.Store
}

func (failingViolationsStore) ReplaceViolations(context.Context, string, []model.Violation) error {
	return errors.New("sqlite: database is locked")
}

func TestClassify_PersistFailureSetsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	llm := &fakeLLM{reply: twoCodeReply}

	res := newStage(t, failingViolationsStore{st}, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "database is locked")

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestClassify_TerminalStatusOnEveryOutcome(t *testing.T) {
	t.Parallel()
	outcomes := map[string]*fakeLLM{
		"success":   {reply: twoCodeReply},
		"upstream":  {err: errors.New("503")},
		"malformed": {reply: "{"},
		"empty":     {reply: `{"violations":[],"summary":"clean","confidence":0.9}`},
	}
	for name, llm := range outcomes {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newTestStore(t)
			sub := createSubmission(t, st, "Chip in "+name)
			newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})

			got, err := st.GetSubmission(ctx, sub.ID)
			require.NoError(t, err)
			assert.True(t, got.Status.Terminal(), "status %s", got.Status)
		})
	}
}

func TestClassify_CancelledContextStillTerminal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")

	ctx, cancel := context.WithCancel(context.Background())
	llm := &cancellingLLM{cancel: cancel}
	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{})
	assert.False(t, res.OK)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

func TestClassify_CancelledBeforeLoadStillTerminal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &fakeLLM{reply: twoCodeReply}
	res := newStage(t, st, llm, nil, nil).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	assert.False(t, res.OK)
	assert.Empty(t, llm.reqs)

	got, err := st.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
}

type cancellingLLM struct {
	cancel context.CancelFunc
}

func (c *cancellingLLM) CreateMessage(ctx context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestClassify_IncludesComments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "Chip in")
	require.NoError(t, st.AddComment(ctx, &model.Comment{SubmissionID: sub.ID, Content: "Deadline is the real FEC quarter end"}))

	llm := &fakeLLM{reply: `{"violations":[],"summary":"ok","confidence":0.5}`}
	stage := newStage(t, st, llm, nil, nil)

	stage.Classify(ctx, sub.ID, Options{ExtraComments: []string{"extra note"}})
	text := llm.lastUserText()
	assert.Contains(t, text, "extra note")
	assert.NotContains(t, text, "FEC quarter end")

	stage.Classify(ctx, sub.ID, Options{IncludeExistingComments: true})
	assert.Contains(t, llm.lastUserText(), "FEC quarter end")
}

func TestClassify_ExemptionApplied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "5X MATCH")
	require.NoError(t, st.UpdateSenderName(ctx, sub.ID, "Example Victory Fund"))

	rules := []config.ExemptionRule{
		{SenderPattern: "victory fund", Codes: []string{"AB001", "AB007"}, Reason: "sanctioned match"},
		{SenderPattern: "", Codes: []string{"AB002"}},
	}
	llm := &fakeLLM{reply: twoCodeReply}
	res := newStage(t, st, llm, nil, rules).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	require.True(t, res.OK, res.Error)

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.True(t, vs[0].Exempt, "AB001 exempt")
	assert.False(t, vs[1].Exempt, "AB002 not exempt")
}

func TestRecheckExemptions_AppliesLateSenderName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "5X MATCH")

	rules := []config.ExemptionRule{{SenderPattern: "victory fund", Codes: []string{"AB001"}}}
	stage := newStage(t, st, &fakeLLM{reply: twoCodeReply}, nil, rules)
	require.True(t, stage.Classify(ctx, sub.ID, Options{ReplaceExisting: true}).OK)

	vs, err := st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.False(t, vs[0].Exempt)

	require.NoError(t, st.UpdateSenderName(ctx, sub.ID, "Example Victory Fund"))
	n, err := stage.RecheckExemptions(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vs, err = st.ListViolations(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, vs[0].Exempt, "AB001 exempt")
	assert.False(t, vs[1].Exempt, "AB002 not exempt")
}

func TestRecheckExemptions_NoRules(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createSubmission(t, st, "5X MATCH")
	n, err := newStage(t, st, &fakeLLM{}, nil, nil).RecheckExemptions(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type brokenGetStore struct {
	store.Store
	calls int
	mu    sync.Mutex
}

func (b *brokenGetStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if n > 1 {
		return nil, errors.New("sqlite: connection closed")
	}
	return b.Store.GetSubmission(ctx, id)
}

func TestClassify_ExemptionFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createSubmission(t, st, "5X MATCH")
	wrapped := &brokenGetStore{Store: st}

	rules := []config.ExemptionRule{{SenderPattern: "+1555", Codes: []string{"AB001"}}}
	res := newStage(t, wrapped, &fakeLLM{reply: twoCodeReply}, nil, rules).Classify(ctx, sub.ID, Options{ReplaceExisting: true})
	require.True(t, res.OK, res.Error)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
}

func TestClassify_UnknownSubmission(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	res := newStage(t, st, &fakeLLM{}, nil, nil).Classify(context.Background(), "missing", Options{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "not found")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.NRGBA{A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClassify_SendsEvidenceAndLandingImages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	blobs, err := blob.NewLocalStorage(t.TempDir(), "http://localhost/blobs", "k")
	require.NoError(t, err)

	shot := pngBytes(t, 20, 40)
	require.NoError(t, blobs.Put(ctx, "screenshots", "s1.png", shot, "image/png"))

	sub := createSubmission(t, st, "Chip in")
	require.NoError(t, st.SetLandingPending(ctx, sub.ID, "https://secure.actblue.com/donate/a?refcode=z"))
	require.NoError(t, st.CompleteRender(ctx, sub.ID, model.RenderSuccess, blob.Ref("screenshots", "s1.png")))

	llm := &fakeLLM{reply: `{"violations":[],"summary":"ok","confidence":0.5}`}
	res := newStage(t, st, llm, blobs, nil).Classify(ctx, sub.ID, Options{})
	require.True(t, res.OK, res.Error)

	var images []anthropic.ContentPart
	for _, p := range llm.reqs[0].Messages[0].Parts {
		if p.Type == anthropic.PartImage {
			images = append(images, p)
		}
	}
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MediaType)
	assert.Equal(t, shot, images[0].Data)
	assert.Contains(t, llm.lastUserText(), "landing page at https://secure.actblue.com/donate/a:")
}

func TestEvidenceImages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs, err := blob.NewLocalStorage(t.TempDir(), "http://localhost/blobs", "k")
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "uploads", "doc.pdf", []byte("%PDF-1.7 fake"), "application/pdf"))

	t.Run("remote media url", func(t *testing.T) {
		sub := &model.Submission{MediaURLs: []string{"ftp://x", "https://media.example/1.jpg"}}
		ev, landing, err := EvidenceImages(ctx, blobs, sub)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "https://media.example/1.jpg", ev.URL)
		assert.Nil(t, landing)
	})

	t.Run("pdf is skipped", func(t *testing.T) {
		sub := &model.Submission{ImageURL: blob.Ref("uploads", "doc.pdf")}
		ev, _, err := EvidenceImages(ctx, blobs, sub)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("missing blob reported", func(t *testing.T) {
		sub := &model.Submission{
			ImageURL:             blob.Ref("uploads", "gone.png"),
			LandingRenderStatus:  model.RenderFailed,
			LandingScreenshotURL: blob.Ref("screenshots", "gone.png"),
		}
		ev, landing, err := EvidenceImages(ctx, blobs, sub)
		require.Error(t, err)
		assert.Nil(t, ev)
		assert.Nil(t, landing)
	})
}

func TestFitImage_DownscalesTallScreenshots(t *testing.T) {
	t.Parallel()
	data, mt, err := fitImage(pngBytes(t, 100, 9000), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mt)

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dy(), maxImageSide)

	small := pngBytes(t, 10, 10)
	same, mt, err := fitImage(small, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
	assert.Equal(t, small, same)
}
