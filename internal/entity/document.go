package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/openvault/dossier/constants"
)

// Candidate is a discovered document descriptor, not yet persisted.
type Candidate struct {
	SourceURL string
	Filename  string
	Title     string
	SetID     string
}

// NaturalKey dedupes re-discovery of the same document across listing
// pages and runs.
func (c Candidate) NaturalKey() string {
	return c.SourceURL + "|" + c.Filename
}

// StageState is the persisted status of one pipeline stage for one document.
type StageState struct {
	Status      constants.StageStatus `json:"status"`
	RetryCount  int                   `json:"retry_count"`
	ErrorReason string                `json:"error_reason,omitempty"`
	ClaimedAt   *time.Time            `json:"claimed_at,omitempty"`
	ClaimedBy   string                `json:"claimed_by,omitempty"`
}

// DocumentRecord represents a document for data transfer between layers.
// Stage statuses live in their own rows; Stages is populated on load.
type DocumentRecord struct {
	ID          uuid.UUID                       `json:"id"`
	NaturalKey  string                          `json:"natural_key"`
	SourceURL   string                          `json:"source_url"`
	Filename    string                          `json:"filename"`
	Title       string                          `json:"title"`
	SetID       string                          `json:"set_id"`
	LocalPath   string                          `json:"local_path"`
	ContentHash string                          `json:"content_hash"`
	ByteSize    int64                           `json:"byte_size"`
	PageCount   int                             `json:"page_count"`
	OCRSkipped  bool                            `json:"ocr_skipped"`
	Stages      map[constants.Stage]*StageState `json:"stages"`
	CreatedAt   time.Time                       `json:"created_at"`
	UpdatedAt   time.Time                       `json:"updated_at"`
}

// Stage returns the state for s, defaulting to PENDING when unloaded.
func (d *DocumentRecord) Stage(s constants.Stage) StageState {
	if st, ok := d.Stages[s]; ok && st != nil {
		return *st
	}
	return StageState{Status: constants.StatusPending}
}

// Page is one page of extracted text, flagged when OCR produced it.
type Page struct {
	Number  int    `json:"number"`
	Text    string `json:"text"`
	UsedOCR bool   `json:"used_ocr"`
}
