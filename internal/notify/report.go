package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/config"
	"github.com/sells-group/solicitation-watch/internal/links"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// ErrNothingToReport is returned when a submission has no reportable
// violations.
var ErrNothingToReport = eris.New("notify: submission has no reportable violations")

// ReportRequest overrides the configured recipients and adds a note from
// the reviewer.
type ReportRequest struct {
	To   string   `json:"to,omitempty"`
	CC   []string `json:"cc,omitempty"`
	Note string   `json:"note,omitempty"`
}

// Reporter builds violation reports and tracks their delivery.
type Reporter struct {
	store    store.Store
	notifier Notifier
	signer   blob.Storage
	cfg      config.NotifyConfig
	urlTTL   time.Duration
}

// NewReporter creates a Reporter. A nil signer leaves blob references
// out of the report.
func NewReporter(st store.Store, n Notifier, signer blob.Storage, cfg config.NotifyConfig, urlTTL time.Duration) *Reporter {
	if urlTTL <= 0 {
		urlTTL = 7 * 24 * time.Hour
	}
	return &Reporter{store: st, notifier: n, signer: signer, cfg: cfg, urlTTL: urlTTL}
}

// Send builds a report for the submission, records it as queued and
// delivers it. Delivery failure marks the report failed; a later Send
// creates a new report.
func (r *Reporter) Send(ctx context.Context, submissionID string, req ReportRequest) (*model.Report, error) {
	log := zap.L().With(zap.String("stage", "report"), zap.String("submission_id", submissionID))

	sub, err := r.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, eris.Wrap(err, "notify: load submission")
	}
	all, err := r.store.ListViolations(ctx, submissionID)
	if err != nil {
		return nil, eris.Wrap(err, "notify: load violations")
	}
	var vs []model.Violation
	for _, v := range all {
		if !v.Exempt {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		return nil, ErrNothingToReport
	}

	to := strings.TrimSpace(req.To)
	if to == "" {
		to = r.cfg.ReportTo
	}
	if to == "" {
		return nil, eris.New("notify: no report recipient")
	}
	cc := req.CC
	if len(cc) == 0 {
		cc = r.cfg.ReportCC
	}

	data := reportData{
		Sender:      senderLabel(sub),
		MessageType: string(sub.MessageType),
		Received:    sub.CreatedAt.UTC().Format("January 2, 2006"),
		LandingURL:  links.StripQuery(sub.LandingURL),
		EvidenceURL: r.publicURL(sub.ImageURL),
		Screenshot:  r.publicURL(sub.LandingScreenshotURL),
		Excerpt:     excerpt(sub.RawText, 1200),
		Note:        strings.TrimSpace(req.Note),
		Violations:  vs,
	}
	text, html, err := renderReport(data)
	if err != nil {
		return nil, err
	}

	rep := &model.Report{
		SubmissionID: submissionID,
		ToEmail:      to,
		CCEmails:     cc,
		Subject:      reportSubject(data.Sender, vs),
		BodyText:     text,
		BodyHTML:     html,
		LandingURL:   data.LandingURL,
		EvidenceURL:  data.EvidenceURL,
	}
	if err := r.store.CreateReport(ctx, rep); err != nil {
		return nil, eris.Wrap(err, "notify: create report")
	}

	sendErr := r.notifier.Send(ctx, Message{
		ReportID:     rep.ID,
		SubmissionID: submissionID,
		From:         r.cfg.From,
		To:           rep.ToEmail,
		CC:           rep.CCEmails,
		Subject:      rep.Subject,
		Text:         rep.BodyText,
		HTML:         rep.BodyHTML,
		Timestamp:    time.Now().UTC(),
	})

	// Record the outcome even when the caller has gone away.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if sendErr != nil {
		log.Error("notify: report delivery failed", zap.String("report_id", rep.ID), zap.Error(sendErr))
		rep.Status, rep.Error = model.ReportFailed, sendErr.Error()
		if err := r.store.UpdateReportStatus(sctx, rep.ID, model.ReportFailed, sendErr.Error()); err != nil {
			log.Error("notify: report status update failed", zap.Error(err))
		}
		return rep, eris.Wrap(sendErr, "notify: deliver report")
	}

	if err := r.store.UpdateReportStatus(sctx, rep.ID, model.ReportSent, ""); err != nil {
		return rep, eris.Wrap(err, "notify: mark report sent")
	}
	now := time.Now().UTC()
	rep.Status, rep.SentAt = model.ReportSent, &now
	log.Info("notify: report sent",
		zap.String("report_id", rep.ID),
		zap.String("to", rep.ToEmail),
		zap.Int("violations", len(vs)),
	)
	return rep, nil
}

// publicURL turns a blob reference into a signed URL. Plain URLs pass
// through.
func (r *Reporter) publicURL(ref string) string {
	bucket, key, ok := blob.ParseRef(ref)
	if !ok {
		return ref
	}
	if r.signer == nil {
		return ""
	}
	u, err := r.signer.Sign(bucket, key, r.urlTTL)
	if err != nil {
		zap.L().Warn("notify: sign evidence url failed", zap.String("ref", ref), zap.Error(err))
		return ""
	}
	return u
}

type reportData struct {
	Sender      string
	MessageType string
	Received    string
	LandingURL  string
	EvidenceURL string
	Screenshot  string
	Excerpt     string
	Note        string
	Violations  []model.Violation
}

func senderLabel(sub *model.Submission) string {
	if sub.SenderName != nil && strings.TrimSpace(*sub.SenderName) != "" {
		return strings.TrimSpace(*sub.SenderName)
	}
	if sub.EmailFrom != "" {
		return sub.EmailFrom
	}
	if sub.SenderID != "" {
		return sub.SenderID
	}
	return "Unknown sender"
}

func reportSubject(sender string, vs []model.Violation) string {
	noun := "violation"
	if len(vs) != 1 {
		noun = "violations"
	}
	return fmt.Sprintf("Fundraising abuse report: %s (%d %s)", sender, len(vs), noun)
}

func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

var reportFuncs = map[string]any{
	"lines": func(ev []int) string {
		parts := make([]string, len(ev))
		for i, n := range ev {
			parts[i] = fmt.Sprint(n)
		}
		return strings.Join(parts, ", ")
	},
}

var textReport = texttemplate.Must(texttemplate.New("text").Funcs(reportFuncs).Parse(
	`We are reporting a fundraising solicitation that appears to violate your acceptable use policy.

Sender: {{.Sender}}
Channel: {{.MessageType}}
Received: {{.Received}}
{{- if .LandingURL}}
Donation page: {{.LandingURL}}{{end}}
{{- if .EvidenceURL}}
Original message image: {{.EvidenceURL}}{{end}}
{{- if .Screenshot}}
Donation page screenshot: {{.Screenshot}}{{end}}

Findings:
{{range .Violations}}
[{{.Code}}] {{.Title}} (severity {{.Severity}}/5)
{{.Description}}
{{- if .Evidence}}
Message lines: {{lines .Evidence}}{{end}}
{{end}}
{{- if .Note}}
Reviewer note:
{{.Note}}
{{end}}
Message text:
{{.Excerpt}}
`))

var htmlReport = htmltemplate.Must(htmltemplate.New("html").Funcs(reportFuncs).Parse(
	`<p>We are reporting a fundraising solicitation that appears to violate your acceptable use policy.</p>
<table>
<tr><th align="left">Sender</th><td>{{.Sender}}</td></tr>
<tr><th align="left">Channel</th><td>{{.MessageType}}</td></tr>
<tr><th align="left">Received</th><td>{{.Received}}</td></tr>
{{- if .LandingURL}}
<tr><th align="left">Donation page</th><td><a href="{{.LandingURL}}">{{.LandingURL}}</a></td></tr>{{end}}
{{- if .EvidenceURL}}
<tr><th align="left">Original message</th><td><a href="{{.EvidenceURL}}">image</a></td></tr>{{end}}
{{- if .Screenshot}}
<tr><th align="left">Donation page screenshot</th><td><a href="{{.Screenshot}}">image</a></td></tr>{{end}}
</table>
<h3>Findings</h3>
<ul>
{{- range .Violations}}
<li><strong>[{{.Code}}] {{.Title}}</strong> (severity {{.Severity}}/5)<br>{{.Description}}
{{- if .Evidence}}<br><em>Message lines: {{lines .Evidence}}</em>{{end}}</li>
{{- end}}
</ul>
{{- if .Note}}
<h3>Reviewer note</h3>
<p>{{.Note}}</p>{{end}}
<h3>Message text</h3>
<pre>{{.Excerpt}}</pre>
`))

func renderReport(data reportData) (text, html string, err error) {
	var tb, hb bytes.Buffer
	if err := textReport.Execute(&tb, data); err != nil {
		return "", "", eris.Wrap(err, "notify: render text report")
	}
	if err := htmlReport.Execute(&hb, data); err != nil {
		return "", "", eris.Wrap(err, "notify: render html report")
	}
	return tb.String(), hb.String(), nil
}
