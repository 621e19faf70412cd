package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/openvault/dossier/internal/common"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner dispatches on the binary name so a single stub can play
// pdftotext, pdftoppm and tesseract.
type scriptedRunner struct {
	pdftotextOut string
	pdftotextErr error
	ocrOut       string
	ocrErr       error
	ocrCalls     int
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	switch name {
	case "pdftotext":
		return []byte(r.pdftotextOut), nil, r.pdftotextErr
	case "pdftoppm":
		// The extractor globs for the rendered image; fake one.
		prefix := args[len(args)-1]
		if err := os.WriteFile(prefix+"-1.png", []byte("png"), 0644); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	case "tesseract":
		r.ocrCalls++
		return []byte(r.ocrOut), nil, r.ocrErr
	default:
		return nil, nil, fmt.Errorf("unexpected binary %q", name)
	}
}

func newTestExtractor(r Runner, ocrAvailable bool) *Extractor {
	e := NewExtractor(Config{MinTextLen: 20}, testLogger())
	e.runner = r
	e.lookPath = func(string) (string, error) {
		if ocrAvailable {
			return "/usr/bin/tesseract", nil
		}
		return "", errors.New("not found")
	}
	return e
}

func TestExtractDirectTextOnly(t *testing.T) {
	runner := &scriptedRunner{
		pdftotextOut: "this page has plenty of text on it\fand so does this second page here\f",
	}
	e := newTestExtractor(runner, true)

	res, err := e.Extract(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if res.PageCount != 2 {
		t.Fatalf("expected 2 pages, got %d", res.PageCount)
	}
	if res.OCRPages != 0 || runner.ocrCalls != 0 {
		t.Errorf("no OCR expected, got %d pages / %d calls", res.OCRPages, runner.ocrCalls)
	}
	if res.Pages[0].UsedOCR || res.Pages[1].UsedOCR {
		t.Error("pages must not be flagged as OCR")
	}
}

func TestExtractOCRFallbackPerPage(t *testing.T) {
	runner := &scriptedRunner{
		pdftotextOut: "this page has plenty of extractable text\f \fthird page is also long enough to pass\f",
		ocrOut:       "text recovered by optical recognition",
	}
	e := newTestExtractor(runner, true)

	res, err := e.Extract(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if res.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %d", res.PageCount)
	}
	if runner.ocrCalls != 1 {
		t.Fatalf("only the short page should be rasterized, got %d calls", runner.ocrCalls)
	}
	if !res.Pages[1].UsedOCR {
		t.Error("short page must be flagged as OCR")
	}
	if res.Pages[1].Text != "text recovered by optical recognition" {
		t.Errorf("OCR text not used: %q", res.Pages[1].Text)
	}
	if res.Pages[0].UsedOCR || res.Pages[2].UsedOCR {
		t.Error("pages above the threshold must keep their direct text")
	}
	if res.OCRSkipped {
		t.Error("OCRSkipped must stay false when OCR ran")
	}
}

func TestExtractDegradesWhenOCRUnavailable(t *testing.T) {
	runner := &scriptedRunner{
		pdftotextOut: "long enough direct text for the first page\fshort\f",
	}
	e := newTestExtractor(runner, false)

	res, err := e.Extract(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OCRSkipped {
		t.Error("expected OCRSkipped flag when tesseract is missing")
	}
	if runner.ocrCalls != 0 {
		t.Errorf("OCR must not run, got %d calls", runner.ocrCalls)
	}
	if res.Pages[1].Text != "short" {
		t.Errorf("direct text must be kept on degrade, got %q", res.Pages[1].Text)
	}
}

func TestExtractOCRErrorKeepsDirectTextWithWarning(t *testing.T) {
	runner := &scriptedRunner{
		pdftotextOut: "stub\f",
		ocrErr:       errors.New("tesseract crashed"),
	}
	e := newTestExtractor(runner, true)

	res, err := e.Extract(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "page 1") {
		t.Errorf("expected a page 1 warning, got %v", res.Warnings)
	}
	if res.Pages[0].Text != "stub" {
		t.Errorf("direct text must survive an OCR failure, got %q", res.Pages[0].Text)
	}
}

func TestExtractUnparseableSource(t *testing.T) {
	runner := &scriptedRunner{pdftotextErr: errors.New("not a pdf")}
	e := newTestExtractor(runner, true)

	_, err := e.Extract(context.Background(), "doc.pdf")
	if !errors.Is(err, common.ErrUnparseableSource) {
		t.Fatalf("expected ErrUnparseableSource, got %v", err)
	}
}

func TestExtractMaxPages(t *testing.T) {
	runner := &scriptedRunner{
		pdftotextOut: strings.Repeat("a page with a comfortable amount of text\f", 5),
	}
	e := newTestExtractor(runner, true)
	e.cfg.MaxPages = 3

	res, err := e.Extract(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if res.PageCount != 3 {
		t.Errorf("expected page cap at 3, got %d", res.PageCount)
	}
}
