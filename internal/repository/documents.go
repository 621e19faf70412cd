package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
)

// ErrInvalidTransition is returned when a status write does not match the
// transition table (e.g. marking DONE a record nobody holds IN_PROGRESS).
var ErrInvalidTransition = errors.New("invalid stage transition")

// DocumentRepository is the persisted stage state machine plus document
// metadata. All status writes go through methods that encode the legal
// transition in their WHERE clause, so an illegal move never lands.
type DocumentRepository interface {
	UpsertByKey(ctx context.Context, c entity.Candidate) (*entity.DocumentRecord, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.DocumentRecord, error)
	List(ctx context.Context, limit int) ([]*entity.DocumentRecord, error)

	ClaimStage(ctx context.Context, id uuid.UUID, stage constants.Stage, workerID string) error
	ReleaseStage(ctx context.Context, id uuid.UUID, stage constants.Stage) error
	MarkStageDone(ctx context.Context, id uuid.UUID, stage constants.Stage) error
	MarkStageFailed(ctx context.Context, id uuid.UUID, stage constants.Stage, reason constants.FailureReason) error
	RequeueStage(ctx context.Context, id uuid.UUID, stage constants.Stage) error
	ResetStage(ctx context.Context, stage constants.Stage) (int64, error)

	QueryEligible(ctx context.Context, stage constants.Stage, limit int) ([]*entity.DocumentRecord, error)
	SweepStaleClaims(ctx context.Context, stage constants.Stage, leaseTimeout time.Duration) (int64, error)
	StageCounts(ctx context.Context) (map[constants.Stage]map[constants.StageStatus]int, error)

	SetLocalFile(ctx context.Context, id uuid.UUID, localPath, contentHash string, byteSize int64) error
	SetPageCount(ctx context.Context, id uuid.UUID, pages int) error
	SetOCRSkipped(ctx context.Context, id uuid.UUID, skipped bool) error

	SavePages(ctx context.Context, id uuid.UUID, pages []entity.Page) error
	LoadPages(ctx context.Context, id uuid.UUID) ([]entity.Page, error)
	FullText(ctx context.Context, id uuid.UUID) (string, error)
}

type documentRepo struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

func NewDocumentRepository(db *DB, logger *slog.Logger) DocumentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &documentRepo{db: db, logger: logger, now: time.Now}
}

// UpsertByKey inserts a newly discovered document with every stage PENDING,
// or refreshes metadata on an existing row. Stage rows are never touched on
// re-discovery, so a document already advanced past PENDING keeps its state.
func (r *documentRepo) UpsertByKey(ctx context.Context, c entity.Candidate) (*entity.DocumentRecord, bool, error) {
	key := c.NaturalKey()
	now := r.now().Unix()

	var id string
	err := r.db.builder.
		Select("id").From("documents").
		Where(sq.Eq{"natural_key": key}).
		RunWith(r.db.DB).QueryRowContext(ctx).Scan(&id)
	switch {
	case err == nil:
		_, err = r.db.builder.
			Update("documents").
			Set("title", c.Title).
			Set("set_id", c.SetID).
			Set("updated_at", now).
			Where(sq.Eq{"id": id}).
			RunWith(r.db.DB).ExecContext(ctx)
		if err != nil {
			return nil, false, common.WrapError(err, "refresh document")
		}
		rec, err := r.GetByID(ctx, uuid.MustParse(id))
		return rec, false, err

	case errors.Is(err, sql.ErrNoRows):
		docID := uuid.New()
		_, err = r.db.builder.
			Insert("documents").
			Columns("id", "natural_key", "source_url", "filename", "title", "set_id", "created_at", "updated_at").
			Values(docID.String(), key, c.SourceURL, c.Filename, c.Title, c.SetID, now, now).
			RunWith(r.db.DB).ExecContext(ctx)
		if err != nil {
			return nil, false, common.WrapError(err, "insert document")
		}
		for _, s := range constants.AllStages {
			_, err = r.db.builder.
				Insert("document_stages").
				Columns("document_id", "stage", "status", "updated_at").
				Values(docID.String(), string(s), string(constants.StatusPending), now).
				RunWith(r.db.DB).ExecContext(ctx)
			if err != nil {
				return nil, false, common.WrapError(err, "insert stage row")
			}
		}
		r.logger.Debug("document created", "id", docID, "filename", c.Filename, "set", c.SetID)
		rec, err := r.GetByID(ctx, docID)
		return rec, true, err

	default:
		return nil, false, common.WrapError(err, "lookup document")
	}
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.DocumentRecord, error) {
	row := r.db.builder.
		Select("id", "natural_key", "source_url", "filename", "title", "set_id",
			"local_path", "content_hash", "byte_size", "page_count", "ocr_skipped",
			"created_at", "updated_at").
		From("documents").
		Where(sq.Eq{"id": id.String()}).
		RunWith(r.db.DB).QueryRowContext(ctx)

	rec, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadStages(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns documents ordered by discovery time, stages loaded.
func (r *documentRepo) List(ctx context.Context, limit int) ([]*entity.DocumentRecord, error) {
	q := r.db.builder.
		Select("id", "natural_key", "source_url", "filename", "title", "set_id",
			"local_path", "content_hash", "byte_size", "page_count", "ocr_skipped",
			"created_at", "updated_at").
		From("documents").
		OrderBy("created_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := q.RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "list documents")
	}
	defer rows.Close()

	var recs []*entity.DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := r.loadStages(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDocument(row rowScanner) (*entity.DocumentRecord, error) {
	var (
		rec                  entity.DocumentRecord
		idStr                string
		ocrSkipped           int
		createdAt, updatedAt int64
	)
	err := row.Scan(&idStr, &rec.NaturalKey, &rec.SourceURL, &rec.Filename, &rec.Title,
		&rec.SetID, &rec.LocalPath, &rec.ContentHash, &rec.ByteSize, &rec.PageCount,
		&ocrSkipped, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt document id %q: %w", idStr, err)
	}
	rec.OCRSkipped = ocrSkipped != 0
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	rec.Stages = make(map[constants.Stage]*entity.StageState, len(constants.AllStages))
	return &rec, nil
}

func (r *documentRepo) loadStages(ctx context.Context, rec *entity.DocumentRecord) error {
	rows, err := r.db.builder.
		Select("stage", "status", "retry_count", "error_reason", "claimed_at", "claimed_by").
		From("document_stages").
		Where(sq.Eq{"document_id": rec.ID.String()}).
		RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return common.WrapError(err, "load stages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stage, status, reason, claimedBy string
			retries                          int
			claimedAt                        sql.NullInt64
		)
		if err := rows.Scan(&stage, &status, &retries, &reason, &claimedAt, &claimedBy); err != nil {
			return err
		}
		st := &entity.StageState{
			Status:      constants.StageStatus(status),
			RetryCount:  retries,
			ErrorReason: reason,
			ClaimedBy:   claimedBy,
		}
		if claimedAt.Valid {
			t := time.Unix(claimedAt.Int64, 0).UTC()
			st.ClaimedAt = &t
		}
		rec.Stages[constants.Stage(stage)] = st
	}
	return rows.Err()
}

// ClaimStage is the atomic compare-and-set: PENDING -> IN_PROGRESS only if
// the persisted status is still PENDING. Losing the race is not an error
// condition for the caller beyond skipping the record.
func (r *documentRepo) ClaimStage(ctx context.Context, id uuid.UUID, stage constants.Stage, workerID string) error {
	now := r.now().Unix()
	res, err := r.db.builder.
		Update("document_stages").
		Set("status", string(constants.StatusInProgress)).
		Set("claimed_at", now).
		Set("claimed_by", workerID).
		Set("updated_at", now).
		Where(sq.Eq{
			"document_id": id.String(),
			"stage":       string(stage),
			"status":      string(constants.StatusPending),
		}).
		RunWith(r.db.DB).ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "claim stage")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrClaimConflict
	}
	return nil
}

// ReleaseStage puts a claimed record back to PENDING, counting the attempt.
// Shared by the shutdown path and per-unit deadline handling; the lease
// sweep does the same thing in bulk.
func (r *documentRepo) ReleaseStage(ctx context.Context, id uuid.UUID, stage constants.Stage) error {
	return r.transition(ctx, id, stage, constants.StatusInProgress, constants.StatusPending, "", true)
}

func (r *documentRepo) MarkStageDone(ctx context.Context, id uuid.UUID, stage constants.Stage) error {
	return r.transition(ctx, id, stage, constants.StatusInProgress, constants.StatusDone, "", false)
}

func (r *documentRepo) MarkStageFailed(ctx context.Context, id uuid.UUID, stage constants.Stage, reason constants.FailureReason) error {
	return r.transition(ctx, id, stage, constants.StatusInProgress, constants.StatusFailed, string(reason), false)
}

// RequeueStage is the bounded automatic retry path: FAILED -> PENDING,
// keeping retry_count so the attempt budget holds across requeues.
func (r *documentRepo) RequeueStage(ctx context.Context, id uuid.UUID, stage constants.Stage) error {
	return r.transition(ctx, id, stage, constants.StatusFailed, constants.StatusPending, "", false)
}

func (r *documentRepo) transition(ctx context.Context, id uuid.UUID, stage constants.Stage,
	from, to constants.StageStatus, reason string, countRetry bool) error {
	if !constants.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := r.now().Unix()
	q := r.db.builder.
		Update("document_stages").
		Set("status", string(to)).
		Set("error_reason", reason).
		Set("updated_at", now).
		Where(sq.Eq{
			"document_id": id.String(),
			"stage":       string(stage),
			"status":      string(from),
		})
	if countRetry {
		q = q.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if to != constants.StatusInProgress {
		q = q.Set("claimed_at", nil).Set("claimed_by", "")
	}
	res, err := q.RunWith(r.db.DB).ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "stage transition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not %s for %s", ErrInvalidTransition, stage, from, id)
	}
	return nil
}

// ResetStage rewinds one stage's DONE/FAILED records to PENDING for
// reprocessing. Other stages and their data are left untouched.
func (r *documentRepo) ResetStage(ctx context.Context, stage constants.Stage) (int64, error) {
	res, err := r.db.builder.
		Update("document_stages").
		Set("status", string(constants.StatusPending)).
		Set("retry_count", 0).
		Set("error_reason", "").
		Set("claimed_at", nil).
		Set("claimed_by", "").
		Set("updated_at", r.now().Unix()).
		Where(sq.Eq{"stage": string(stage)}).
		Where(sq.Eq{"status": []string{
			string(constants.StatusDone),
			string(constants.StatusFailed),
		}}).
		RunWith(r.db.DB).ExecContext(ctx)
	if err != nil {
		return 0, common.WrapError(err, "reset stage")
	}
	return res.RowsAffected()
}

// QueryEligible returns documents whose stage row is PENDING and whose
// prerequisite stage (if any) is DONE.
func (r *documentRepo) QueryEligible(ctx context.Context, stage constants.Stage, limit int) ([]*entity.DocumentRecord, error) {
	q := r.db.builder.
		Select("d.id", "d.natural_key", "d.source_url", "d.filename", "d.title", "d.set_id",
			"d.local_path", "d.content_hash", "d.byte_size", "d.page_count", "d.ocr_skipped",
			"d.created_at", "d.updated_at").
		From("documents d").
		Join("document_stages s ON s.document_id = d.id AND s.stage = ?", string(stage)).
		Where(sq.Eq{"s.status": string(constants.StatusPending)}).
		OrderBy("d.created_at ASC")

	if prereq, ok := constants.Prerequisite(stage); ok {
		q = q.Join("document_stages p ON p.document_id = d.id AND p.stage = ?", string(prereq)).
			Where(sq.Eq{"p.status": string(constants.StatusDone)})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := q.RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "query eligible")
	}
	defer rows.Close()

	var recs []*entity.DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := r.loadStages(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// SweepStaleClaims requeues records stuck IN_PROGRESS past the lease
// timeout. Clearing claimed_at makes a swept record ineligible for another
// sweep until someone claims it again, so each staleness episode is counted
// exactly once.
func (r *documentRepo) SweepStaleClaims(ctx context.Context, stage constants.Stage, leaseTimeout time.Duration) (int64, error) {
	cutoff := r.now().Add(-leaseTimeout).Unix()
	res, err := r.db.builder.
		Update("document_stages").
		Set("status", string(constants.StatusPending)).
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("claimed_at", nil).
		Set("claimed_by", "").
		Set("updated_at", r.now().Unix()).
		Where(sq.Eq{
			"stage":  string(stage),
			"status": string(constants.StatusInProgress),
		}).
		Where(sq.NotEq{"claimed_at": nil}).
		Where(sq.Lt{"claimed_at": cutoff}).
		RunWith(r.db.DB).ExecContext(ctx)
	if err != nil {
		return 0, common.WrapError(err, "sweep stale claims")
	}
	n, err := res.RowsAffected()
	if n > 0 {
		r.logger.Warn("requeued stale claims", "stage", stage, "count", n)
	}
	return n, err
}

func (r *documentRepo) StageCounts(ctx context.Context) (map[constants.Stage]map[constants.StageStatus]int, error) {
	rows, err := r.db.builder.
		Select("stage", "status", "COUNT(*)").
		From("document_stages").
		GroupBy("stage", "status").
		RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "stage counts")
	}
	defer rows.Close()

	counts := make(map[constants.Stage]map[constants.StageStatus]int)
	for _, s := range constants.AllStages {
		counts[s] = make(map[constants.StageStatus]int)
	}
	for rows.Next() {
		var stage, status string
		var n int
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, err
		}
		if _, ok := counts[constants.Stage(stage)]; !ok {
			counts[constants.Stage(stage)] = make(map[constants.StageStatus]int)
		}
		counts[constants.Stage(stage)][constants.StageStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *documentRepo) SetLocalFile(ctx context.Context, id uuid.UUID, localPath, contentHash string, byteSize int64) error {
	return r.updateDocument(ctx, id, map[string]any{
		"local_path":   localPath,
		"content_hash": contentHash,
		"byte_size":    byteSize,
	})
}

func (r *documentRepo) SetPageCount(ctx context.Context, id uuid.UUID, pages int) error {
	return r.updateDocument(ctx, id, map[string]any{"page_count": pages})
}

func (r *documentRepo) SetOCRSkipped(ctx context.Context, id uuid.UUID, skipped bool) error {
	v := 0
	if skipped {
		v = 1
	}
	return r.updateDocument(ctx, id, map[string]any{"ocr_skipped": v})
}

func (r *documentRepo) updateDocument(ctx context.Context, id uuid.UUID, sets map[string]any) error {
	q := r.db.builder.Update("documents").Set("updated_at", r.now().Unix())
	for col, v := range sets {
		q = q.Set(col, v)
	}
	_, err := q.Where(sq.Eq{"id": id.String()}).RunWith(r.db.DB).ExecContext(ctx)
	return common.WrapError(err, "update document")
}

// SavePages replaces the document's extracted text wholesale. Reprocessing
// the extract stage must not leave stale pages behind.
func (r *documentRepo) SavePages(ctx context.Context, id uuid.UUID, pages []entity.Page) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = r.db.builder.
		Delete("document_pages").
		Where(sq.Eq{"document_id": id.String()}).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "clear pages")
	}
	for _, p := range pages {
		usedOCR := 0
		if p.UsedOCR {
			usedOCR = 1
		}
		_, err = r.db.builder.
			Insert("document_pages").
			Columns("document_id", "page_no", "text", "used_ocr").
			Values(id.String(), p.Number, p.Text, usedOCR).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return common.WrapError(err, "insert page")
		}
	}
	return tx.Commit()
}

func (r *documentRepo) LoadPages(ctx context.Context, id uuid.UUID) ([]entity.Page, error) {
	rows, err := r.db.builder.
		Select("page_no", "text", "used_ocr").
		From("document_pages").
		Where(sq.Eq{"document_id": id.String()}).
		OrderBy("page_no ASC").
		RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "load pages")
	}
	defer rows.Close()

	var pages []entity.Page
	for rows.Next() {
		var p entity.Page
		var usedOCR int
		if err := rows.Scan(&p.Number, &p.Text, &usedOCR); err != nil {
			return nil, err
		}
		p.UsedOCR = usedOCR != 0
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (r *documentRepo) FullText(ctx context.Context, id uuid.UUID) (string, error) {
	pages, err := r.LoadPages(ctx, id)
	if err != nil {
		return "", err
	}
	out := ""
	for i, p := range pages {
		if i > 0 {
			out += "\n\n"
		}
		out += p.Text
	}
	return out, nil
}
