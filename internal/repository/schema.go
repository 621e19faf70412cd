package repository

import (
	"context"
	"database/sql"
	"strings"
)

// Timestamps are stored as unix seconds and the DDL sticks to the type
// names both dialects accept, so one schema serves sqlite and postgres.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	natural_key TEXT UNIQUE NOT NULL,
	source_url TEXT NOT NULL,
	filename TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	set_id TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	byte_size BIGINT NOT NULL DEFAULT 0,
	page_count INTEGER NOT NULL DEFAULT 0,
	ocr_skipped INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_stages (
	document_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_reason TEXT NOT NULL DEFAULT '',
	claimed_at BIGINT,
	claimed_by TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (document_id, stage),
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS ix_document_stages_stage_status
	ON document_stages(stage, status);

CREATE TABLE IF NOT EXISTS document_pages (
	document_id TEXT NOT NULL,
	page_no INTEGER NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	used_ocr INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (document_id, page_no),
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	mention_count INTEGER NOT NULL DEFAULT 0,
	document_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (normalized_name, entity_type)
);

CREATE TABLE IF NOT EXISTS entity_mentions (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	page_no INTEGER NOT NULL DEFAULT 0,
	context TEXT NOT NULL DEFAULT '',
	char_start INTEGER NOT NULL DEFAULT 0,
	char_end INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE,
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS ix_entity_mentions_entity
	ON entity_mentions(entity_id);
CREATE INDEX IF NOT EXISTS ix_entity_mentions_document
	ON entity_mentions(document_id);
`

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
