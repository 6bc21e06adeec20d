package sender

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solicitation-watch/internal/dedupe"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
	"github.com/sells-group/solicitation-watch/pkg/anthropic"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sender.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func createEmail(t *testing.T, st store.Store, raw, senderID string) *model.Submission {
	t.Helper()
	sub := &model.Submission{
		RawText: raw, MessageType: model.MessageTypeEmail, Status: model.StatusClassified,
		SenderID: senderID, EmailFrom: "Team Example <team@example-pac.org>", EmailSubject: "Final notice",
		IsFundraising: true,
	}
	sub.ApplyFingerprint(dedupe.BuildFingerprint(raw))
	require.NoError(t, st.CreateSubmission(context.Background(), sub))
	return sub
}

type fakeLLM struct {
	reply string
	err   error
	req   anthropic.MessageRequest
}

func (f *fakeLLM) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: f.reply}}}, nil
}

func TestExtract_WritesOnlySenderName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createEmail(t, st, "Paid for by Example PAC. Chip in $5!", "volunteer@gmail.com")
	llm := &fakeLLM{reply: "```json\n{\"sender\": \"Example PAC\"}\n```"}

	res := NewStage(st, llm, nil, "claude-haiku-4-5-20251001").Extract(ctx, sub.ID)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, "Example PAC", res.Sender)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SenderName)
	assert.Equal(t, "Example PAC", *got.SenderName)
	assert.Equal(t, "Example PAC", got.DisplaySender())
	assert.Equal(t, model.StatusClassified, got.Status)
	assert.Equal(t, sub.RawText, got.RawText)
	assert.Equal(t, "volunteer@gmail.com", got.SenderID)

	require.Len(t, llm.req.System, 1)
	assert.Contains(t, llm.req.System[0].Text, "forwarder's personal email address are NOT the sender")
	text := llm.req.Messages[0].Parts[0].Text
	assert.Contains(t, text, "Original From header: Team Example <team@example-pac.org>")
	assert.Contains(t, text, "Paid for by Example PAC")
}

func TestExtract_RejectsEmailAddressAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createEmail(t, st, "Give now", "volunteer@gmail.com")

	res := NewStage(st, &fakeLLM{reply: `{"sender":"volunteer@gmail.com"}`}, nil, "m").Extract(ctx, sub.ID)
	assert.True(t, res.OK)
	assert.Equal(t, StatusUnknown, res.Status)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SenderName)
	assert.Equal(t, "volunteer@gmail.com", got.DisplaySender())
}

func TestExtract_NullSender(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sub := createEmail(t, st, "Give now", "x@example.org")

	res := NewStage(st, &fakeLLM{reply: `{"sender": null}`}, nil, "m").Extract(context.Background(), sub.ID)
	assert.True(t, res.OK)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestExtract_LLMFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	sub := createEmail(t, st, "Give now", "x@example.org")

	res := NewStage(st, &fakeLLM{err: errors.New("timeout")}, nil, "m").Extract(ctx, sub.ID)
	assert.False(t, res.OK)
	assert.Equal(t, StatusFailed, res.Status)

	got, err := st.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClassified, got.Status, "sender failures never change processing status")
}

func TestExtract_NoClientSkips(t *testing.T) {
	t.Parallel()
	res := NewStage(newTestStore(t), nil, nil, "m").Extract(context.Background(), "any")
	assert.False(t, res.OK)
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestParseSender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"sender": "DCCC"}`, "DCCC", true},
		{"Answer: {\"sender\": \"  Friends of Jane  \"}", "Friends of Jane", true},
		{`{"sender": "Unknown"}`, "Unknown", false},
		{`{"sender": ""}`, "", false},
		{`{"sender": null}`, "", false},
		{`not json`, "", false},
		{`{"sender": "` + strings.Repeat("x", 201) + `"}`, strings.Repeat("x", 201), false},
	}
	for _, tt := range tests {
		got, ok := parseSender(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMessageText_TruncatesAndOmitsHeadersForSMS(t *testing.T) {
	t.Parallel()
	sub := &model.Submission{MessageType: model.MessageTypeSMS, EmailFrom: "ignored", RawText: strings.Repeat("z", maxTextChars+50)}
	text := messageText(sub)
	assert.NotContains(t, text, "ignored")
	assert.Equal(t, maxTextChars, strings.Count(text, "z"))
}
