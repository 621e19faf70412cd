package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	Language   string // default "eng"
	DPI        int    // rasterization DPI for low-text pages, default 300
	MinTextLen int    // per-page OCR threshold, default 50
	MaxPages   int    // 0 = no limit
}

// Result is one document's extraction output.
type Result struct {
	Pages      []entity.Page
	PageCount  int
	OCRPages   int
	OCRSkipped bool // some pages needed OCR but the capability was missing
	Duration   time.Duration
	Warnings   []string
}

// Extractor produces per-page text: structural extraction first, OCR for
// pages whose direct text falls below the threshold.
type Extractor struct {
	cfg      Config
	runner   Runner
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinTextLen <= 0 {
		cfg.MinTextLen = 50
	}
	return &Extractor{cfg: cfg, runner: execRunner{}, lookPath: exec.LookPath, logger: logger}
}

// Extract runs the document through pdftotext and decides page by page
// whether to fall back to rasterize+OCR. A document can mix both methods.
func (e *Extractor) Extract(ctx context.Context, path string) (Result, error) {
	start := time.Now()

	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		// The stored bytes cannot be parsed at all; terminal until an
		// operator fixes or reprocesses the download.
		return Result{}, common.NewPipelineError(common.ErrUnparseableSource, constants.ReasonUnparseableSource,
			fmt.Sprintf("pdftotext failed: %s", truncate(string(errb), 512)), err)
	}

	// pdftotext separates pages with form feeds.
	rawPages := strings.Split(string(out), "\f")
	if n := len(rawPages); n > 1 && strings.TrimSpace(rawPages[n-1]) == "" {
		rawPages = rawPages[:n-1] // trailing \f produces an empty tail
	}
	if e.cfg.MaxPages > 0 && len(rawPages) > e.cfg.MaxPages {
		rawPages = rawPages[:e.cfg.MaxPages]
	}

	ocrAvailable := e.ocrAvailable()
	res := Result{PageCount: len(rawPages)}

	for i, raw := range rawPages {
		pageNo := i + 1
		page := entity.Page{Number: pageNo, Text: raw}

		if len(strings.TrimSpace(raw)) >= e.cfg.MinTextLen {
			res.Pages = append(res.Pages, page)
			continue
		}

		if !ocrAvailable {
			// Degrade: keep whatever direct extraction produced and flag
			// the document so it can be redone once OCR exists.
			res.OCRSkipped = true
			res.Pages = append(res.Pages, page)
			continue
		}

		ocrText, err := e.ocrPage(ctx, path, pageNo)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: %v", pageNo, err))
			res.Pages = append(res.Pages, page)
			continue
		}
		if strings.TrimSpace(ocrText) != "" {
			page.Text = ocrText
			page.UsedOCR = true
			res.OCRPages++
		}
		res.Pages = append(res.Pages, page)
	}

	res.Duration = time.Since(start)
	e.logger.Debug("extraction complete",
		"path", path, "pages", res.PageCount, "ocr_pages", res.OCRPages,
		"ocr_skipped", res.OCRSkipped, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (e *Extractor) ocrAvailable() bool {
	_, err := e.lookPath(e.cfg.Tesseract)
	return err == nil
}

// ocrPage rasterizes a single page and runs OCR on the image.
func (e *Extractor) ocrPage(ctx context.Context, path string, pageNo int) (string, error) {
	tmpDir, err := os.MkdirTemp("", "dossier-pp-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -f N -l N -r 300 -png <in.pdf> <tmp/page>
	pageArg := fmt.Sprintf("%d", pageNo)
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm,
		"-f", pageArg, "-l", pageArg, "-r", fmt.Sprintf("%d", e.cfg.DPI), "-png", path, prefix)
	if err != nil {
		return "", fmt.Errorf("pdftoppm: %s: %w", truncate(string(errb), 512), err)
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return "", fmt.Errorf("no image rendered for page %d", pageNo)
	}

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, matches[0], "stdout", "-l", e.cfg.Language)
	if err != nil {
		return "", fmt.Errorf("tesseract: %s: %w", truncate(string(errb), 512), err)
	}
	return string(out), nil
}
