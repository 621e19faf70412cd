package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/retry"
)

// BulkUpserter is the only contract the pipeline needs from the full-text
// engine: an idempotent upsert-by-id of a batch of records.
type BulkUpserter interface {
	BulkUpsert(ctx context.Context, index string, docs []map[string]any) error
}

type Config struct {
	DocumentIndex string
	EntityIndex   string
	BatchSize     int
}

// Publisher pushes documents and their entities to the search collaborator
// in fixed-size batches. Upserts are idempotent by id, so re-publishing
// after a crash re-sends already-acked batches without side effects.
type Publisher struct {
	docs     repository.DocumentRepository
	ents     repository.EntityRepository
	upserter BulkUpserter
	cfg      Config
	policy   retry.Policy
	logger   *slog.Logger
}

func NewPublisher(docs repository.DocumentRepository, ents repository.EntityRepository,
	upserter BulkUpserter, cfg Config, policy retry.Policy, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DocumentIndex == "" {
		cfg.DocumentIndex = "documents"
	}
	if cfg.EntityIndex == "" {
		cfg.EntityIndex = "entities"
	}
	return &Publisher{docs: docs, ents: ents, upserter: upserter, cfg: cfg, policy: policy, logger: logger}
}

func (p *Publisher) Stage() constants.Stage { return constants.StageIndex }

// ProcessBatch publishes the claimed records chunk by chunk. A document
// goes DONE only after the upsert call for its containing chunk returned
// success; a failed chunk requeues its documents within the retry budget.
// Transitions land on a fresh background context so a shutdown mid-batch
// releases every claim instead of stranding it IN_PROGRESS.
func (p *Publisher) ProcessBatch(ctx context.Context, records []*entity.DocumentRecord) error {
	for start := 0; start < len(records); start += p.cfg.BatchSize {
		if ctx.Err() != nil {
			p.releaseAll(records[start:])
			return ctx.Err()
		}
		end := start + p.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		if err := p.publishChunk(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				p.releaseAll(records[start:])
				return ctx.Err()
			}
			p.logger.Error("index batch failed", "size", len(chunk), "error", err)
			for _, rec := range chunk {
				p.requeueOrFail(rec)
			}
			continue
		}

		txCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, rec := range chunk {
			if err := p.docs.MarkStageDone(txCtx, rec.ID, constants.StageIndex); err != nil {
				cancel()
				return err
			}
		}
		cancel()
		p.logger.Info("index batch published", "documents", len(chunk))
	}
	return nil
}

func (p *Publisher) publishChunk(ctx context.Context, chunk []*entity.DocumentRecord) error {
	docPayloads := make([]map[string]any, 0, len(chunk))
	entityByID := make(map[uuid.UUID]entity.CanonicalEntity)

	for _, rec := range chunk {
		text, err := p.docs.FullText(ctx, rec.ID)
		if err != nil {
			return common.WrapError(err, "load full text")
		}
		docPayloads = append(docPayloads, map[string]any{
			"id":          rec.ID.String(),
			"filename":    rec.Filename,
			"title":       rec.Title,
			"set_id":      rec.SetID,
			"page_count":  rec.PageCount,
			"byte_size":   rec.ByteSize,
			"ocr_skipped": rec.OCRSkipped,
			"text":        text,
		})

		ents, err := p.ents.MentionedEntities(ctx, rec.ID)
		if err != nil {
			return common.WrapError(err, "load entities")
		}
		for _, e := range ents {
			entityByID[e.ID] = e
		}
	}

	if err := p.upsertWithRetry(ctx, p.cfg.DocumentIndex, docPayloads); err != nil {
		return err
	}

	if len(entityByID) == 0 {
		return nil
	}
	entPayloads := make([]map[string]any, 0, len(entityByID))
	for _, e := range entityByID {
		entPayloads = append(entPayloads, map[string]any{
			"id":             e.ID.String(),
			"name":           e.Name,
			"entity_type":    e.EntityType,
			"mention_count":  e.MentionCount,
			"document_count": e.DocumentCount,
		})
	}
	return p.upsertWithRetry(ctx, p.cfg.EntityIndex, entPayloads)
}

func (p *Publisher) upsertWithRetry(ctx context.Context, index string, payloads []map[string]any) error {
	return p.policy.Do(ctx, func(ctx context.Context) error {
		return p.upserter.BulkUpsert(ctx, index, payloads)
	})
}

func (p *Publisher) requeueOrFail(rec *entity.DocumentRecord) {
	txCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state := rec.Stage(constants.StageIndex)
	if p.policy.Exhausted(state.RetryCount) {
		if err := p.docs.MarkStageFailed(txCtx, rec.ID, constants.StageIndex, constants.ReasonNetworkExhausted); err != nil {
			p.logger.Error("mark index failed", "document_id", rec.ID, "error", err)
		}
		return
	}
	if err := p.docs.ReleaseStage(txCtx, rec.ID, constants.StageIndex); err != nil {
		p.logger.Error("release index claim", "document_id", rec.ID, "error", err)
	}
}

// releaseAll puts claims the run will no longer process back to PENDING.
func (p *Publisher) releaseAll(recs []*entity.DocumentRecord) {
	txCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range recs {
		if err := p.docs.ReleaseStage(txCtx, rec.ID, constants.StageIndex); err != nil {
			p.logger.Error("release index claim", "document_id", rec.ID, "error", err)
		}
	}
}
