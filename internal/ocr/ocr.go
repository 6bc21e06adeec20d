// Package ocr extracts text from solicitation images and PDFs.
package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solicitation-watch/internal/config"
	"github.com/sells-group/solicitation-watch/internal/resilience"
)

// Transport selects how document bytes reach the OCR provider.
type Transport string

const (
	// TransportInline embeds the document as a base64 data URL.
	TransportInline Transport = "inline"
	// TransportUpload uploads the document first and passes a signed URL.
	TransportUpload Transport = "upload"
)

// Request is one OCR call.
type Request struct {
	Data      []byte
	MediaType string
	Transport Transport
	// MaxPages caps multi-page documents. Zero means no cap.
	MaxPages int
}

// Result is the extracted text of one document.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	PageCount  int     `json:"page_count"`
	Truncated  bool    `json:"truncated"`
}

// Extractor extracts text from image or PDF bytes.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// IsPDF reports whether mediaType names a PDF.
func IsPDF(mediaType string) bool {
	return strings.EqualFold(strings.TrimSpace(strings.Split(mediaType, ";")[0]), "application/pdf")
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral", "":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel, cfg.MistralBaseURL), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

type breakerExtractor struct {
	next Extractor
	cb   *resilience.CircuitBreaker
}

// WithBreaker routes every call through cb so a provider outage fails fast.
func WithBreaker(next Extractor, cb *resilience.CircuitBreaker) Extractor {
	if cb == nil {
		return next
	}
	return &breakerExtractor{next: next, cb: cb}
}

func (b *breakerExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	return resilience.ExecuteVal(ctx, b.cb, func(ctx context.Context) (*Result, error) {
		return b.next.Extract(ctx, req)
	})
}
