package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool. Images are
// not supported.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Extract writes the PDF to a temp file and runs pdftotext -layout on it.
// One page beyond MaxPages is requested so truncation can be detected.
func (p *PdfToText) Extract(ctx context.Context, req Request) (*Result, error) {
	if !IsPDF(req.MediaType) {
		return nil, eris.Errorf("ocr: pdftotext cannot read %q", req.MediaType)
	}

	f, err := os.CreateTemp("", "solwatch-*.pdf")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create temp pdf")
	}
	defer os.Remove(f.Name()) //nolint:errcheck
	if _, err := f.Write(req.Data); err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "ocr: write temp pdf")
	}
	if err := f.Close(); err != nil {
		return nil, eris.Wrap(err, "ocr: close temp pdf")
	}

	args := []string{"-layout"}
	if req.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(req.MaxPages+1))
	}
	args = append(args, f.Name(), "-")
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}

	return splitPages(stdout.String(), req.MaxPages), nil
}

// splitPages splits pdftotext output on form feeds and applies the page cap.
func splitPages(out string, maxPages int) *Result {
	pages := strings.Split(strings.TrimRight(out, "\f\n"), "\f")
	if len(pages) == 1 && strings.TrimSpace(pages[0]) == "" {
		pages = nil
	}

	res := &Result{PageCount: len(pages)}
	if maxPages > 0 && len(pages) > maxPages {
		pages = pages[:maxPages]
		res.Truncated = true
	}
	res.Text = strings.TrimSpace(strings.Join(pages, "\n\n"))
	if res.Text != "" {
		res.Confidence = 1
	}
	return res
}
