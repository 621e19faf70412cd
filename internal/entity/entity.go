package entity

import "github.com/google/uuid"

// CanonicalEntity is a deduplicated named entity aggregated across the
// corpus. Counts are always recomputed from the mention rows, never
// incremented in place.
type CanonicalEntity struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	EntityType     string    `json:"entity_type"`
	MentionCount   int       `json:"mention_count"`
	DocumentCount  int       `json:"document_count"`
}

// MentionInput is one raw occurrence of an entity in a document, produced
// by the normalizer and persisted as an EntityMention row.
type MentionInput struct {
	Name           string
	NormalizedName string
	EntityType     string
	PageNumber     int
	Context        string
	CharStart      int
	CharEnd        int
}

// EntityMention links a canonical entity to a document with context.
type EntityMention struct {
	ID         uuid.UUID `json:"id"`
	EntityID   uuid.UUID `json:"entity_id"`
	DocumentID uuid.UUID `json:"document_id"`
	PageNumber int       `json:"page_number"`
	Context    string    `json:"context"`
	CharStart  int       `json:"char_start"`
	CharEnd    int       `json:"char_end"`
}
