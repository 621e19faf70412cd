package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/repository"
)

// Service is a tiny façade over repositories that produces XLSX bytes for exports.
type Service struct {
	docs   repository.DocumentRepository
	ents   repository.EntityRepository
	logger *slog.Logger
}

func NewService(docs repository.DocumentRepository, ents repository.EntityRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{docs: docs, ents: ents, logger: logger}
}

// ExportXLSX returns a workbook with a Documents sheet (one row per
// discovered document with its per-stage status) and an Entities sheet
// (canonical entities ordered by mention count).
func (s *Service) ExportXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()

	docRows, err := s.writeDocumentsSheet(ctx, f)
	if err != nil {
		return nil, err
	}
	entRows, err := s.writeEntitiesSheet(ctx, f)
	if err != nil {
		return nil, err
	}

	// Drop the default sheet excelize creates.
	if idx, _ := f.GetSheetIndex("Sheet1"); idx != -1 {
		_ = f.DeleteSheet("Sheet1")
	}
	if idx, _ := f.GetSheetIndex("Documents"); idx != -1 {
		f.SetActiveSheet(idx)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"documents", docRows,
		"entities", entRows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) writeDocumentsSheet(ctx context.Context, f *excelize.File) (int, error) {
	const sheet = "Documents"
	if _, err := f.NewSheet(sheet); err != nil {
		return 0, err
	}

	headers := []string{
		"Filename",
		"Title",
		"Set",
		"Pages",
		"Size (bytes)",
		"Download",
		"Extract",
		"Entities",
		"Index",
		"OCR Skipped",
		"Source URL",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	recs, err := s.docs.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("query documents: %w", err)
	}

	row := 2
	for _, r := range recs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, r.Filename)
		write(2, truncate(r.Title, 140))
		write(3, r.SetID)
		write(4, r.PageCount)
		write(5, r.ByteSize)

		col := 6
		for _, stage := range constants.AllStages {
			st := r.Stage(stage)
			cellVal := string(st.Status)
			if st.Status == constants.StatusFailed && st.ErrorReason != "" {
				cellVal = fmt.Sprintf("%s (%s)", st.Status, st.ErrorReason)
			}
			write(col, cellVal)
			col++
		}

		ocr := ""
		if r.OCRSkipped {
			ocr = "yes"
		}
		write(10, ocr)
		write(11, r.SourceURL)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 36) // filename
	_ = f.SetColWidth(sheet, "B", "B", 48) // title
	_ = f.SetColWidth(sheet, "C", "C", 14) // set
	_ = f.SetColWidth(sheet, "F", "I", 16) // stage statuses
	_ = f.SetColWidth(sheet, "K", "K", 60) // url

	return len(recs), nil
}

func (s *Service) writeEntitiesSheet(ctx context.Context, f *excelize.File) (int, error) {
	const sheet = "Entities"
	if _, err := f.NewSheet(sheet); err != nil {
		return 0, err
	}

	headers := []string{"Name", "Type", "Mentions", "Documents"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	ents, err := s.ents.TopEntities(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("query entities: %w", err)
	}

	row := 2
	for _, e := range ents {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, e.Name)
		write(2, e.EntityType)
		write(3, e.MentionCount)
		write(4, e.DocumentCount)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 36)
	_ = f.SetColWidth(sheet, "B", "B", 10)

	return len(ents), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
