package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/resilience"
)

const (
	defaultMistralBaseURL = "https://api.mistral.ai"
	defaultMistralModel   = "mistral-ocr-latest"
)

// MistralOCR extracts text using the Mistral OCR API.
type MistralOCR struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewMistralOCR creates a MistralOCR extractor. Empty model and baseURL take
// defaults.
func NewMistralOCR(apiKey, model, baseURL string) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}
	return &MistralOCR{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index      int      `json:"index"`
	Markdown   string   `json:"markdown"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type mistralFile struct {
	ID string `json:"id"`
}

type mistralSignedURL struct {
	URL string `json:"url"`
}

// Extract sends the document to Mistral OCR using the requested transport.
func (m *MistralOCR) Extract(ctx context.Context, req Request) (*Result, error) {
	if len(req.Data) == 0 {
		return nil, eris.New("ocr: empty document")
	}

	var docURL string
	switch req.Transport {
	case TransportUpload:
		u, err := m.upload(ctx, req)
		if err != nil {
			return nil, err
		}
		docURL = u
	case TransportInline, "":
		docURL = "data:" + mediaTypeOrDefault(req.MediaType) + ";base64," +
			base64.StdEncoding.EncodeToString(req.Data)
	default:
		return nil, eris.Errorf("ocr: unknown transport %q", req.Transport)
	}

	doc := mistralOCRDocument{Type: "image_url", ImageURL: docURL}
	if IsPDF(req.MediaType) {
		doc = mistralOCRDocument{Type: "document_url", DocumentURL: docURL}
	}

	var ocrResp mistralOCRResponse
	if err := m.postJSON(ctx, "/v1/ocr", mistralOCRRequest{Model: m.model, Document: doc}, &ocrResp); err != nil {
		return nil, err
	}
	return collectPages(ocrResp.Pages, req.MaxPages), nil
}

// upload stores the document with the files API and returns a signed URL.
func (m *MistralOCR) upload(ctx context.Context, req Request) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "ocr"); err != nil {
		return "", eris.Wrap(err, "ocr: write purpose field")
	}
	name := "document"
	if IsPDF(req.MediaType) {
		name += ".pdf"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", eris.Wrap(err, "ocr: create form file")
	}
	if _, err := part.Write(req.Data); err != nil {
		return "", eris.Wrap(err, "ocr: write form file")
	}
	if err := w.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close multipart")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/files", &body)
	if err != nil {
		return "", eris.Wrap(err, "ocr: create upload request")
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var file mistralFile
	if err := m.do(httpReq, &file); err != nil {
		return "", eris.Wrap(err, "ocr: upload")
	}

	httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v1/files/"+file.ID+"/url?expiry=1", nil)
	if err != nil {
		return "", eris.Wrap(err, "ocr: create signed url request")
	}
	var signed mistralSignedURL
	if err := m.do(httpReq, &signed); err != nil {
		return "", eris.Wrap(err, "ocr: signed url")
	}
	if signed.URL == "" {
		return "", eris.New("ocr: mistral returned empty signed url")
	}
	return signed.URL, nil
}

func (m *MistralOCR) postJSON(ctx context.Context, path string, in, out any) error {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return eris.Wrap(err, "ocr: marshal mistral request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, out)
}

func (m *MistralOCR) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	return nil
}

// collectPages joins page text in index order, keeping at most maxPages.
func collectPages(pages []mistralOCRPage, maxPages int) *Result {
	res := &Result{PageCount: len(pages)}
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
		res.Truncated = true
	}

	var sb strings.Builder
	var confSum float64
	var confN int
	for i, page := range pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
		if page.Confidence != nil {
			confSum += *page.Confidence
			confN++
		}
	}
	res.Text = strings.TrimSpace(sb.String())

	switch {
	case confN > 0:
		res.Confidence = confSum / float64(confN)
	case res.Text != "":
		res.Confidence = 1
	}
	return res
}

func mediaTypeOrDefault(mt string) string {
	if mt == "" {
		return "application/octet-stream"
	}
	return mt
}
