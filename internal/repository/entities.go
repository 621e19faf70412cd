package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
)

// EntityRepository persists canonical entities and their mentions.
type EntityRepository interface {
	// ReplaceMentions swaps out every mention the document previously
	// contributed and recomputes the aggregates of all touched entities
	// from the surviving mention rows. Reprocessing never double-counts.
	ReplaceMentions(ctx context.Context, docID uuid.UUID, mentions []entity.MentionInput) error

	MentionedEntities(ctx context.Context, docID uuid.UUID) ([]entity.CanonicalEntity, error)
	TopEntities(ctx context.Context, entityType string, limit int) ([]entity.CanonicalEntity, error)
	CountsByType(ctx context.Context) (map[string]int, error)
}

type entityRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewEntityRepository(db *DB, logger *slog.Logger) EntityRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &entityRepo{db: db, logger: logger}
}

func (r *entityRepo) ReplaceMentions(ctx context.Context, docID uuid.UUID, mentions []entity.MentionInput) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	touched := make(map[string]struct{})

	// Entities the document referenced before the swap also need their
	// counts recomputed (they may lose mentions).
	rows, err := r.db.builder.
		Select("DISTINCT entity_id").
		From("entity_mentions").
		Where(sq.Eq{"document_id": docID.String()}).
		RunWith(tx).QueryContext(ctx)
	if err != nil {
		return common.WrapError(err, "list prior entities")
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		touched[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = r.db.builder.
		Delete("entity_mentions").
		Where(sq.Eq{"document_id": docID.String()}).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return common.WrapError(err, "delete prior mentions")
	}

	for _, m := range mentions {
		entityID, err := r.upsertEntity(ctx, tx, m.Name, m.NormalizedName, m.EntityType)
		if err != nil {
			return err
		}
		touched[entityID] = struct{}{}

		_, err = r.db.builder.
			Insert("entity_mentions").
			Columns("id", "entity_id", "document_id", "page_no", "context", "char_start", "char_end").
			Values(uuid.New().String(), entityID, docID.String(), m.PageNumber, m.Context, m.CharStart, m.CharEnd).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return common.WrapError(err, "insert mention")
		}
	}

	for entityID := range touched {
		if err := r.recompute(ctx, tx, entityID); err != nil {
			return err
		}
	}

	// Entities left without a single mention are derived rows with nothing
	// backing them; drop them.
	if len(touched) > 0 {
		ids := make([]string, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		_, err = r.db.builder.
			Delete("entities").
			Where(sq.Eq{"id": ids}).
			Where(sq.Eq{"mention_count": 0}).
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			return common.WrapError(err, "prune empty entities")
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.logger.Debug("mentions replaced", "document_id", docID, "mentions", len(mentions), "entities_touched", len(touched))
	return nil
}

func (r *entityRepo) upsertEntity(ctx context.Context, tx *sql.Tx, name, normalized, entityType string) (string, error) {
	var id string
	err := r.db.builder.
		Select("id").From("entities").
		Where(sq.Eq{"normalized_name": normalized, "entity_type": entityType}).
		RunWith(tx).QueryRowContext(ctx).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", common.WrapError(err, "lookup entity")
	}

	id = uuid.New().String()
	_, err = r.db.builder.
		Insert("entities").
		Columns("id", "name", "normalized_name", "entity_type").
		Values(id, name, normalized, entityType).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return "", common.WrapError(err, "insert entity")
	}
	return id, nil
}

func (r *entityRepo) recompute(ctx context.Context, tx *sql.Tx, entityID string) error {
	_, err := tx.ExecContext(ctx, rebind(r.db, `
UPDATE entities SET
	mention_count = (SELECT COUNT(*) FROM entity_mentions WHERE entity_id = ?),
	document_count = (SELECT COUNT(DISTINCT document_id) FROM entity_mentions WHERE entity_id = ?)
WHERE id = ?`), entityID, entityID, entityID)
	return common.WrapError(err, "recompute entity counts")
}

// rebind rewrites ? placeholders to $N for postgres so raw statements can
// be shared between dialects.
func rebind(db *DB, query string) string {
	if db.pool == nil {
		return query
	}
	rebound := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			rebound = append(rebound, '$')
			rebound = appendInt(rebound, n)
			continue
		}
		rebound = append(rebound, query[i])
	}
	return string(rebound)
}

func appendInt(b []byte, n int) []byte {
	if n >= 10 {
		b = appendInt(b, n/10)
	}
	return append(b, byte('0'+n%10))
}

func (r *entityRepo) MentionedEntities(ctx context.Context, docID uuid.UUID) ([]entity.CanonicalEntity, error) {
	rows, err := r.db.builder.
		Select("DISTINCT e.id", "e.name", "e.normalized_name", "e.entity_type", "e.mention_count", "e.document_count").
		From("entities e").
		Join("entity_mentions m ON m.entity_id = e.id").
		Where(sq.Eq{"m.document_id": docID.String()}).
		RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "mentioned entities")
	}
	defer rows.Close()
	return scanEntities(rows)
}

func (r *entityRepo) TopEntities(ctx context.Context, entityType string, limit int) ([]entity.CanonicalEntity, error) {
	q := r.db.builder.
		Select("id", "name", "normalized_name", "entity_type", "mention_count", "document_count").
		From("entities").
		OrderBy("mention_count DESC")
	if entityType != "" {
		q = q.Where(sq.Eq{"entity_type": entityType})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "top entities")
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]entity.CanonicalEntity, error) {
	var out []entity.CanonicalEntity
	for rows.Next() {
		var e entity.CanonicalEntity
		var id string
		if err := rows.Scan(&id, &e.Name, &e.NormalizedName, &e.EntityType, &e.MentionCount, &e.DocumentCount); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		e.ID = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *entityRepo) CountsByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.builder.
		Select("entity_type", "COUNT(*)").
		From("entities").
		GroupBy("entity_type").
		RunWith(r.db.DB).QueryContext(ctx)
	if err != nil {
		return nil, common.WrapError(err, "entity counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}
