package channel

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solicitation-watch/internal/blob"
	"github.com/sells-group/solicitation-watch/internal/evidence"
	"github.com/sells-group/solicitation-watch/internal/ingest"
	"github.com/sells-group/solicitation-watch/internal/model"
	"github.com/sells-group/solicitation-watch/internal/pipeline"
	"github.com/sells-group/solicitation-watch/internal/store"
)

// DefaultMaxUploadBytes bounds a decoded upload when no limit is set.
const DefaultMaxUploadBytes = 10 << 20

// UploadPayload is a screenshot or PDF of a solicitation. Either DataURL or
// Data carries the document. Without a SubmissionID a new submission is
// created from the upload alone.
type UploadPayload struct {
	SubmissionID string `json:"submission_id,omitempty"`
	DataURL      string `json:"data_url,omitempty"`
	Data         []byte `json:"-"`
	MediaType    string `json:"media_type,omitempty"`
	SenderID     string `json:"sender_id,omitempty"`
	MessageType  string `json:"message_type,omitempty"`
}

// UploadResult reports an upload.
type UploadResult struct {
	OK           bool                  `json:"ok"`
	SubmissionID string                `json:"submission_id,omitempty"`
	ImageURL     string                `json:"image_url,omitempty"`
	OCR          *evidence.StageResult `json:"ocr,omitempty"`
	DuplicateOf  string                `json:"duplicate_of,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// UploadAdapter stores uploaded evidence, OCRs it synchronously and starts
// the text stages.
type UploadAdapter struct {
	ingest   Ingester
	down     Downstream
	run      Runner
	store    store.Store
	blobs    blob.Storage
	ocr      OCRRunner
	links    LandingExtractor
	maxBytes int
}

// NewUploadAdapter creates an UploadAdapter. maxBytes <= 0 uses
// DefaultMaxUploadBytes.
func NewUploadAdapter(in Ingester, down Downstream, run Runner, st store.Store, blobs blob.Storage, o OCRRunner, links LandingExtractor, maxBytes int) *UploadAdapter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &UploadAdapter{
		ingest: in, down: down, run: run, store: st, blobs: blobs, ocr: o, links: links, maxBytes: maxBytes,
	}
}

// Handle stores the document and runs OCR before returning.
func (a *UploadAdapter) Handle(ctx context.Context, p UploadPayload) UploadResult {
	data, mediaType, err := uploadBytes(p)
	if err != nil {
		return UploadResult{Error: err.Error()}
	}
	if len(data) > a.maxBytes {
		return UploadResult{Error: eris.Errorf("channel: upload exceeds %d bytes", a.maxBytes).Error()}
	}
	if !documentType(mediaType) {
		return UploadResult{Error: eris.Errorf("channel: unsupported media type %q", mediaType).Error()}
	}

	id := strings.TrimSpace(p.SubmissionID)
	var landing string
	if id != "" {
		sub, err := a.store.GetSubmission(ctx, id)
		if err != nil {
			return UploadResult{SubmissionID: id, Error: err.Error()}
		}
		landing = sub.LandingURL
	}

	prefix := id
	if prefix == "" {
		prefix = "new"
	}
	key := prefix + "/" + uuid.NewString() + blob.ExtensionFor(mediaType)
	if err := a.blobs.Put(ctx, UploadsBucket, key, data, mediaType); err != nil {
		return UploadResult{SubmissionID: id, Error: err.Error()}
	}
	ref := blob.Ref(UploadsBucket, key)

	if id == "" {
		res := a.ingest.Ingest(ctx, ingest.Request{
			SenderID:    strings.TrimSpace(p.SenderID),
			MessageType: model.ParseMessageType(p.MessageType),
			Metadata:    ingest.Metadata{ImageURL: ref, MediaURLs: []string{ref}},
		})
		if !res.OK {
			return UploadResult{SubmissionID: res.ID, DuplicateOf: res.DuplicateOf, Error: res.Error}
		}
		id = res.ID
	} else if err := a.store.SetImageURL(ctx, id, ref); err != nil {
		return UploadResult{SubmissionID: id, Error: err.Error()}
	}

	out := a.ocr.Run(ctx, id, data, mediaType)
	result := UploadResult{SubmissionID: id, ImageURL: ref, OCR: &out, DuplicateOf: out.DuplicateOf}
	if !out.OK {
		result.Error = out.Error
		return result
	}
	result.OK = true

	zap.L().Info("channel: upload processed",
		zap.String("submission_id", id),
		zap.String("media_type", mediaType),
		zap.Int("bytes", len(data)),
	)
	a.run("upload", func(ctx context.Context) []pipeline.TaskError {
		return afterOCR(ctx, a.down, a.links, id, landing, out.Text)
	})
	return result
}

// uploadBytes returns the document bytes and media type from p, sniffing
// the type when none is declared.
func uploadBytes(p UploadPayload) ([]byte, string, error) {
	data, mediaType := p.Data, strings.TrimSpace(p.MediaType)
	if p.DataURL != "" {
		d, mt, err := DecodeDataURL(p.DataURL)
		if err != nil {
			return nil, "", err
		}
		data = d
		if mediaType == "" {
			mediaType = mt
		}
	}
	if len(data) == 0 {
		return nil, "", eris.New("channel: upload carries no data")
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	return data, strings.Split(mediaType, ";")[0], nil
}

// DecodeDataURL decodes a base64 data URL such as
// "data:image/png;base64,iVBOR...".
func DecodeDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return nil, "", eris.New("channel: not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", eris.New("channel: data url has no payload")
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", eris.New("channel: data url must be base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", eris.Wrap(err, "channel: decode data url")
		}
	}
	return data, mediaType, nil
}
