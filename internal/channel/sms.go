package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/ocr"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
	"github.com/sells-group/solicitation-watch/internal/resilience"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// UploadsBucket holds message images received from channels.
const UploadsBucket = "uploads"

// SMSMedia is one MMS attachment.
type SMSMedia struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// SMSPayload is an inbound text message.
type SMSPayload struct {
	From  string     `json:"from"`
	Body  string     `json:"body"`
	Media []SMSMedia `json:"media,omitempty"`
}

// ParseTwilioForm reads a Twilio messaging webhook form.
func ParseTwilioForm(v url.Values) SMSPayload {
	p := SMSPayload{From: strings.TrimSpace(v.Get("From")), Body: v.Get("Body")}
	n, _ := strconv.Atoi(v.Get("NumMedia"))
	for i := range n {
		u := strings.TrimSpace(v.Get(fmt.Sprintf("MediaUrl%d", i)))
		if u == "" {
			continue
		}
		p.Media = append(p.Media, SMSMedia{URL: u, ContentType: v.Get(fmt.Sprintf("MediaContentType%d", i))})
	}
	return p
}

// MediaFetcher downloads an MMS attachment.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// HTTPMediaFetcher fetches media over HTTP with retries on transient
// failures. Username and Password, when set, are sent as basic auth.
type HTTPMediaFetcher struct {
	Client   *http.Client
	MaxBytes int64
	Username string
	Password string
	Retry    resilience.RetryConfig
}

type fetched struct {
	data        []byte
	contentType string
}

// Fetch implements MediaFetcher.
func (f *HTTPMediaFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}

	out, err := resilience.DoVal(ctx, f.Retry, func(ctx context.Context) (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fetched{}, eris.Wrap(err, "channel: build media request")
		}
		if f.Username != "" {
			req.SetBasicAuth(f.Username, f.Password)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fetched{}, resilience.NewTransientError(eris.Wrap(err, "channel: fetch media"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("channel: fetch media: status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return fetched{}, resilience.NewTransientError(err, resp.StatusCode)
			}
			return fetched{}, err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return fetched{}, resilience.NewTransientError(eris.Wrap(err, "channel: read media"), 0)
		}
		if int64(len(data)) > limit {
			return fetched{}, eris.Errorf("channel: media exceeds %d bytes", limit)
		}
		return fetched{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return out.data, out.contentType, nil
}

// SMSAdapter ingests text messages forwarded to the honeytrap number.
type SMSAdapter struct {
	ingest  Ingester
	down    Downstream
	run     Runner
	redact  *Redactor
	store   store.Store
	blobs   blob.Storage
	fetcher MediaFetcher
	ocr     OCRRunner
	links   LandingExtractor
}

// SMSDeps are the optional collaborators for MMS media. Without a fetcher,
// blob storage and OCR runner, media URLs are stored but never read.
type SMSDeps struct {
	Store   store.Store
	Blobs   blob.Storage
	Fetcher MediaFetcher
	OCR     OCRRunner
	Links   LandingExtractor
}

// NewSMSAdapter creates an SMSAdapter.
func NewSMSAdapter(in Ingester, down Downstream, run Runner, redact *Redactor, deps SMSDeps) *SMSAdapter {
	return &SMSAdapter{
		ingest: in, down: down, run: run, redact: redact,
		store: deps.Store, blobs: deps.Blobs, fetcher: deps.Fetcher, ocr: deps.OCR, links: deps.Links,
	}
}

func (a *SMSAdapter) mediaEnabled() bool {
	return a.store != nil && a.blobs != nil && a.fetcher != nil && a.ocr != nil
}

// Handle ingests p. Image and PDF attachments are kept as media URLs; when
// the message is a fundraising candidate they are downloaded, stored as
// evidence and OCRed before classification runs.
func (a *SMSAdapter) Handle(ctx context.Context, p SMSPayload) ingest.Result {
	var media []SMSMedia
	var urls []string
	for _, m := range p.Media {
		if !documentType(m.ContentType) {
			continue
		}
		media = append(media, m)
		urls = append(urls, m.URL)
	}

	res := a.ingest.Ingest(ctx, ingest.Request{
		Text:        a.redact.Redact(strings.TrimSpace(p.Body)),
		SenderID:    strings.TrimSpace(p.From),
		MessageType: model.MessageTypeSMS,
		Metadata:    ingest.Metadata{MediaURLs: urls},
	})
	if !res.OK || !res.IsFundraising {
		return res
	}

	if len(media) > 0 && a.mediaEnabled() {
		a.run("sms-media", func(ctx context.Context) []pipeline.TaskError {
			return a.processMedia(ctx, res, media)
		})
		return res
	}
	if res.AwaitingOCR {
		// Media-only and nothing can read it: fail rather than sit in ocr.
		a.run("sms", func(ctx context.Context) []pipeline.TaskError {
			if a.store != nil {
				if err := a.store.UpdateStatus(ctx, res.ID, model.StatusError); err != nil {
					return []pipeline.TaskError{{Task: "media", Err: err}}
				}
			}
			return []pipeline.TaskError{{Task: "media", Err: eris.New("channel: media processing is not configured")}}
		})
		return res
	}
	a.run("sms", func(ctx context.Context) []pipeline.TaskError {
		return a.down.AfterIngest(ctx, res)
	})
	return res
}

// processMedia stores and OCRs each attachment in order, then runs the
// text stages once.
func (a *SMSAdapter) processMedia(ctx context.Context, res ingest.Result, media []SMSMedia) []pipeline.TaskError {
	log := zap.L().With(zap.String("stage", "sms-media"), zap.String("submission_id", res.ID))

	var text string
	stored := 0
	for i, m := range media {
		data, ct, err := a.fetcher.Fetch(ctx, m.URL)
		if err != nil {
			log.Warn("channel: media fetch failed", zap.String("url", m.URL), zap.Error(err))
			continue
		}
		if ct == "" || !documentType(ct) {
			ct = m.ContentType
		}

		key := fmt.Sprintf("%s/mms-%d%s", res.ID, i, blob.ExtensionFor(ct))
		if err := a.blobs.Put(ctx, UploadsBucket, key, data, ct); err != nil {
			log.Warn("channel: media store failed", zap.Error(err))
			continue
		}
		if stored == 0 {
			if err := a.store.SetImageURL(ctx, res.ID, blob.Ref(UploadsBucket, key)); err != nil {
				log.Warn("channel: set image url failed", zap.Error(err))
			}
		}
		stored++

		out := a.ocr.Run(ctx, res.ID, data, ct)
		if out.DuplicateOf != "" {
			log.Info("channel: mms text duplicates an existing submission",
				zap.String("duplicate_of", out.DuplicateOf))
			return nil
		}
		if !out.OK {
			return []pipeline.TaskError{{Task: "ocr", Err: eris.New(out.Error)}}
		}
		text += "\n" + out.Text
	}

	if stored == 0 {
		if res.AwaitingOCR {
			if err := a.store.UpdateStatus(ctx, res.ID, model.StatusError); err != nil {
				log.Error("channel: status update failed", zap.Error(err))
			}
			return []pipeline.TaskError{{Task: "media", Err: eris.New("channel: no attachment could be fetched")}}
		}
		return a.down.AfterText(ctx, res.ID, res.LandingURL)
	}
	return afterOCR(ctx, a.down, a.links, res.ID, res.LandingURL, text)
}

// documentType reports whether an attachment can carry message text.
func documentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return strings.HasPrefix(ct, "image/") || ocr.IsPDF(ct)
}
