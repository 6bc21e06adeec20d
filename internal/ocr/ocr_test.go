package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solicitation-watch/internal/config"
	"github.com/sells-group/solicitation-watch/internal/resilience"
)

func TestNewExtractor_Local(t *testing.T) {
	ext, err := NewExtractor(config.OCRConfig{Provider: "local", PdfToTextPath: "/usr/bin/pdftotext"})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, ext)
}

func TestNewExtractor_MistralMissingKey(t *testing.T) {
	_, err := NewExtractor(config.OCRConfig{Provider: "mistral"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral provider requires mistral_api_key")
}

func TestNewExtractor_MistralDefault(t *testing.T) {
	ext, err := NewExtractor(config.OCRConfig{MistralKey: "test-key"})
	require.NoError(t, err)
	require.IsType(t, &MistralOCR{}, ext)
	m := ext.(*MistralOCR)
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, defaultMistralBaseURL, m.baseURL)
}

func TestNewExtractor_UnknownProvider(t *testing.T) {
	_, err := NewExtractor(config.OCRConfig{Provider: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "unknown"`)
}

func TestIsPDF(t *testing.T) {
	assert.True(t, IsPDF("application/pdf"))
	assert.True(t, IsPDF("Application/PDF; charset=binary"))
	assert.False(t, IsPDF("image/png"))
	assert.False(t, IsPDF(""))
}

func writeOCRResponse(t *testing.T, w http.ResponseWriter, pages ...mistralOCRPage) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(mistralOCRResponse{Pages: pages}))
}

func TestMistralOCR_InlineImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "image_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,"))
		assert.Empty(t, req.Document.DocumentURL)

		writeOCRResponse(t, w, mistralOCRPage{Index: 0, Markdown: "Chip in $5 now!"})
	}))
	defer srv.Close()

	m := NewMistralOCR("test-key", "test-model", srv.URL)
	res, err := m.Extract(context.Background(), Request{Data: []byte{0x89, 'P', 'N', 'G'}, MediaType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "Chip in $5 now!", res.Text)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 1, res.PageCount)
	assert.False(t, res.Truncated)
}

func TestMistralOCR_PDFPageCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "document_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,"))

		half := 0.5
		writeOCRResponse(t, w,
			mistralOCRPage{Index: 0, Markdown: "one", Confidence: &half},
			mistralOCRPage{Index: 1, Markdown: "two", Confidence: &half},
			mistralOCRPage{Index: 2, Markdown: "three", Confidence: &half},
			mistralOCRPage{Index: 3, Markdown: "four"},
		)
	}))
	defer srv.Close()

	m := NewMistralOCR("k", "", srv.URL)
	res, err := m.Extract(context.Background(), Request{
		Data: []byte("%PDF-1.4"), MediaType: "application/pdf", MaxPages: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo\n\nthree", res.Text)
	assert.Equal(t, 4, res.PageCount)
	assert.True(t, res.Truncated)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
}

func TestMistralOCR_UploadTransport(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/files":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "ocr", r.FormValue("purpose"))
			f, _, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "raw-bytes", string(data))
			_, _ = w.Write([]byte(`{"id":"file-123"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/files/file-123/url":
			_, _ = w.Write([]byte(`{"url":"https://files.example/signed/file-123"}`))
		case r.URL.Path == "/v1/ocr":
			var req mistralOCRRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://files.example/signed/file-123", req.Document.ImageURL)
			writeOCRResponse(t, w, mistralOCRPage{Markdown: "uploaded text"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m := NewMistralOCR("k", "", srv.URL)
	res, err := m.Extract(context.Background(), Request{
		Data: []byte("raw-bytes"), MediaType: "image/jpeg", Transport: TransportUpload,
	})
	require.NoError(t, err)
	assert.Equal(t, "uploaded text", res.Text)
	assert.Equal(t, []string{"POST /v1/files", "GET /v1/files/file-123/url", "POST /v1/ocr"}, calls)
}

func TestMistralOCR_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	m := NewMistralOCR("bad-key", "", srv.URL)
	_, err := m.Extract(context.Background(), Request{Data: []byte("x"), MediaType: "image/png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
	assert.False(t, resilience.IsTransient(err))
}

func TestMistralOCR_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMistralOCR("k", "", srv.URL)
	_, err := m.Extract(context.Background(), Request{Data: []byte("x"), MediaType: "image/png"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestMistralOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{invalid json`))
	}))
	defer srv.Close()

	m := NewMistralOCR("k", "", srv.URL)
	_, err := m.Extract(context.Background(), Request{Data: []byte("x"), MediaType: "image/png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal mistral response")
}

func TestMistralOCR_EmptyInput(t *testing.T) {
	m := NewMistralOCR("k", "", "http://unused.invalid")
	_, err := m.Extract(context.Background(), Request{})
	assert.Error(t, err)
}

func TestMistralOCR_EmptyPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeOCRResponse(t, w)
	}))
	defer srv.Close()

	m := NewMistralOCR("k", "", srv.URL)
	res, err := m.Extract(context.Background(), Request{Data: []byte("x"), MediaType: "image/png"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Zero(t, res.Confidence)
}

func TestPdfToText_BinPath(t *testing.T) {
	p := NewPdfToText("")
	assert.Equal(t, "pdftotext", p.binPath)
}

func TestPdfToText_RejectsImages(t *testing.T) {
	p := NewPdfToText("")
	_, err := p.Extract(context.Background(), Request{Data: []byte("x"), MediaType: "image/png"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")
}

func TestPdfToText_BinaryNotFound(t *testing.T) {
	p := NewPdfToText("/nonexistent/pdftotext")
	_, err := p.Extract(context.Background(), Request{Data: []byte("%PDF"), MediaType: "application/pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestPdfToText_Success(t *testing.T) {
	// Fake pdftotext that prints four form-feed separated pages.
	tmpDir := t.TempDir()
	fakeBin := filepath.Join(tmpDir, "pdftotext")
	script := "#!/bin/sh\nprintf 'page one\\fpage two\\fpage three\\fpage four\\f'\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0755))

	p := NewPdfToText(fakeBin)
	res, err := p.Extract(context.Background(), Request{Data: []byte("%PDF"), MediaType: "application/pdf", MaxPages: 3})
	require.NoError(t, err)
	assert.Equal(t, "page one\n\npage two\n\npage three", res.Text)
	assert.True(t, res.Truncated)
	assert.Equal(t, 4, res.PageCount)
}

func TestSplitPages_Empty(t *testing.T) {
	res := splitPages("\f", 3)
	assert.Zero(t, res.PageCount)
	assert.Empty(t, res.Text)
}

type failingExtractor struct{ calls int }

func (f *failingExtractor) Extract(context.Context, Request) (*Result, error) {
	f.calls++
	return nil, errors.New("upstream down")
}

func TestWithBreaker_OpensAfterFailures(t *testing.T) {
	inner := &failingExtractor{}
	ext := WithBreaker(inner, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}))

	for i := 0; i < 2; i++ {
		_, err := ext.Extract(context.Background(), Request{})
		assert.Error(t, err)
	}
	_, err := ext.Extract(context.Background(), Request{})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
}
