package channel

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/links"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
)

// EmailPayload is an inbound email as delivered by the mail webhook.
type EmailPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// EmailAdapter ingests emails forwarded to a honeytrap inbox.
type EmailAdapter struct {
	ingest Ingester
	down   Downstream
	run    Runner
	redact *Redactor
}

// NewEmailAdapter creates an EmailAdapter.
func NewEmailAdapter(in Ingester, down Downstream, run Runner, redact *Redactor) *EmailAdapter {
	return &EmailAdapter{ingest: in, down: down, run: run, redact: redact}
}

// Handle unwraps a forwarded email and ingests the original message.
func (a *EmailAdapter) Handle(ctx context.Context, p EmailPayload) ingest.Result {
	req := a.Request(p)
	res := a.ingest.Ingest(ctx, req)
	if res.OK && res.IsFundraising {
		a.run("email", func(ctx context.Context) []pipeline.TaskError {
			return a.down.AfterIngest(ctx, res)
		})
	}
	return res
}

// Request builds the ingestion request for p. The forwarder's preamble and
// the embedded To line are dropped; the original From, Date and Subject
// stay in the raw text.
func (a *EmailAdapter) Request(p EmailPayload) ingest.Request {
	text := p.Text
	if strings.TrimSpace(text) == "" && p.HTML != "" {
		text = links.VisibleText(p.HTML)
	}

	from := p.From
	subject := CleanSubject(p.Subject)
	body, raw := strings.TrimSpace(text), strings.TrimSpace(text)
	if fwd, ok := ParseForwarded(text); ok {
		body, raw = fwd.Body, fwd.Render()
		if fwd.From != "" {
			from = fwd.From
		}
		if fwd.Subject != "" {
			subject = CleanSubject(fwd.Subject)
		}
		zap.L().Debug("channel: forwarded email unwrapped",
			zap.String("original_from", fwd.Address))
	}

	from = a.redact.Redact(from)
	senderID := ExtractAddress(from)
	if senderID == "" {
		senderID = strings.TrimSpace(from)
	}

	body = a.redact.Redact(body)
	return ingest.Request{
		Text:        body,
		RawText:     a.redact.Redact(raw),
		SenderID:    senderID,
		MessageType: model.MessageTypeEmail,
		Metadata: ingest.Metadata{
			HTML:         a.redact.Redact(p.HTML),
			EmailSubject: a.redact.Redact(subject),
			EmailFrom:    from,
			EmailBody:    body,
		},
	}
}
