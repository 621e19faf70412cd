package pipeline

import (
	"context"
	"log/slog"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/capability"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entities"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/extract"
	"github.com/openvault/dossier/internal/fetch"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/storage"
)

// Processor handles one claimed document for its stage. It performs the
// stage's side effects only; the orchestrator records the resulting
// transition from the returned error.
type Processor interface {
	Stage() constants.Stage
	Process(ctx context.Context, rec *entity.DocumentRecord) error
}

// BatchProcessor handles a whole claimed batch and records its own
// transitions (the index publisher marks DONE per acked batch).
type BatchProcessor interface {
	Stage() constants.Stage
	ProcessBatch(ctx context.Context, recs []*entity.DocumentRecord) error
}

// DownloadProcessor acquires a document's bytes through the gated fetcher,
// verifies them, and lands them in content-addressed storage.
type DownloadProcessor struct {
	docs    repository.DocumentRepository
	fetcher fetch.Fetcher
	store   *storage.Store
	logger  *slog.Logger
}

func NewDownloadProcessor(docs repository.DocumentRepository, fetcher fetch.Fetcher, store *storage.Store, logger *slog.Logger) *DownloadProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadProcessor{docs: docs, fetcher: fetcher, store: store, logger: logger}
}

func (p *DownloadProcessor) Stage() constants.Stage { return constants.StageDownload }

func (p *DownloadProcessor) Process(ctx context.Context, rec *entity.DocumentRecord) error {
	// Verified bytes from an earlier run may already be on disk.
	if rec.ContentHash != "" {
		if path, ok := p.store.Has(rec.ContentHash, constants.PDFExtension); ok {
			p.logger.Debug("payload already stored", "document_id", rec.ID, "path", path)
			return nil
		}
	}

	data, err := p.fetcher.Fetch(ctx, fetch.Descriptor{SourceURL: rec.SourceURL, Filename: rec.Filename})
	if err != nil {
		return err
	}

	if err := fetch.VerifyPDF(data); err != nil {
		return err
	}

	path, hash, err := p.store.Put(data, constants.PDFExtension)
	if err != nil {
		return common.WrapError(err, "store payload")
	}
	if err := p.docs.SetLocalFile(ctx, rec.ID, path, hash, int64(len(data))); err != nil {
		return err
	}
	p.logger.Info("document downloaded", "document_id", rec.ID, "filename", rec.Filename, "bytes", len(data))
	return nil
}

// ExtractProcessor produces the document's per-page text.
type ExtractProcessor struct {
	docs      repository.DocumentRepository
	extractor *extract.Extractor
	logger    *slog.Logger
}

func NewExtractProcessor(docs repository.DocumentRepository, extractor *extract.Extractor, logger *slog.Logger) *ExtractProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractProcessor{docs: docs, extractor: extractor, logger: logger}
}

func (p *ExtractProcessor) Stage() constants.Stage { return constants.StageExtract }

func (p *ExtractProcessor) Process(ctx context.Context, rec *entity.DocumentRecord) error {
	res, err := p.extractor.Extract(ctx, rec.LocalPath)
	if err != nil {
		return err
	}

	if err := p.docs.SavePages(ctx, rec.ID, res.Pages); err != nil {
		return common.WrapError(err, "save pages")
	}
	if err := p.docs.SetPageCount(ctx, rec.ID, res.PageCount); err != nil {
		return err
	}
	if err := p.docs.SetOCRSkipped(ctx, rec.ID, res.OCRSkipped); err != nil {
		return err
	}

	for _, w := range res.Warnings {
		p.logger.Warn("extraction warning", "document_id", rec.ID, "warning", w)
	}
	p.logger.Info("document extracted",
		"document_id", rec.ID, "pages", res.PageCount,
		"ocr_pages", res.OCRPages, "ocr_skipped", res.OCRSkipped)
	return nil
}

// EntitiesProcessor derives canonical entities from the extracted text and
// hands the result to the graph capability.
type EntitiesProcessor struct {
	docs       repository.DocumentRepository
	ents       repository.EntityRepository
	normalizer *entities.Normalizer
	graph      capability.GraphNotifier
	logger     *slog.Logger
}

func NewEntitiesProcessor(docs repository.DocumentRepository, ents repository.EntityRepository,
	normalizer *entities.Normalizer, graph capability.GraphNotifier, logger *slog.Logger) *EntitiesProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitiesProcessor{docs: docs, ents: ents, normalizer: normalizer, graph: graph, logger: logger}
}

func (p *EntitiesProcessor) Stage() constants.Stage { return constants.StageEntities }

func (p *EntitiesProcessor) Process(ctx context.Context, rec *entity.DocumentRecord) error {
	n, err := p.normalizer.Process(ctx, rec)
	if err != nil {
		return err
	}

	ents, err := p.ents.MentionedEntities(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := p.graph.DocumentProcessed(ctx, rec, ents); err != nil {
		// Capability failures degrade; the stage result stands.
		p.logger.Warn("graph notification failed", "document_id", rec.ID, "error", err)
	}

	p.logger.Info("entities extracted", "document_id", rec.ID, "mentions", n, "entities", len(ents))
	return nil
}
