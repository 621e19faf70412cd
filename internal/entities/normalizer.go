package entities

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/repository"
)

var titlePrefixes = []string{"mr.", "mrs.", "ms.", "dr.", "prof."}

// CanonicalName collapses a raw mention to its dedup key: lowercase,
// single-spaced, common personal titles stripped.
func CanonicalName(name string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for _, prefix := range titlePrefixes {
		if strings.HasPrefix(normalized, prefix) {
			normalized = strings.TrimSpace(normalized[len(prefix):])
		}
	}
	return normalized
}

type Config struct {
	MinLength    int // candidates shorter than this are OCR noise
	ContextChars int // snippet radius around each mention
}

// Normalizer turns raw tagger output into canonical entities and replaces
// the document's mention set wholesale, so reprocessing after improved OCR
// never double-counts stale mentions.
type Normalizer struct {
	docs   repository.DocumentRepository
	ents   repository.EntityRepository
	tagger Tagger
	cfg    Config
	logger *slog.Logger
}

func NewNormalizer(docs repository.DocumentRepository, ents repository.EntityRepository, tagger Tagger, cfg Config, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = 3
	}
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = 100
	}
	return &Normalizer{docs: docs, ents: ents, tagger: tagger, cfg: cfg, logger: logger}
}

// Process tags the document's current full text and persists the resulting
// mentions. Returns the number of mentions stored.
func (n *Normalizer) Process(ctx context.Context, doc *entity.DocumentRecord) (int, error) {
	pages, err := n.docs.LoadPages(ctx, doc.ID)
	if err != nil {
		return 0, common.WrapError(err, "load pages")
	}

	text, pageAt := joinPages(pages)
	if strings.TrimSpace(text) == "" {
		// Nothing to tag; an empty scan still completes the stage.
		return 0, n.ents.ReplaceMentions(ctx, doc.ID, nil)
	}

	raw, err := n.tagger.Tag(ctx, text)
	if err != nil {
		return 0, common.WrapError(err, "tag text")
	}

	var mentions []entity.MentionInput
	for _, m := range raw {
		trimmed := strings.TrimSpace(m.Text)
		if len(trimmed) < n.cfg.MinLength {
			continue // fragment tokens from OCR noise
		}
		if _, ok := constants.EntityTypes[m.Label]; !ok {
			continue
		}
		mentions = append(mentions, entity.MentionInput{
			Name:           trimmed,
			NormalizedName: CanonicalName(trimmed),
			EntityType:     m.Label,
			PageNumber:     pageAt(m.Start),
			Context:        snippet(text, m.Start, m.End, n.cfg.ContextChars),
			CharStart:      m.Start,
			CharEnd:        m.End,
		})
	}

	if err := n.ents.ReplaceMentions(ctx, doc.ID, mentions); err != nil {
		return 0, err
	}
	n.logger.Debug("entities normalized", "document_id", doc.ID, "raw", len(raw), "kept", len(mentions))
	return len(mentions), nil
}

// joinPages concatenates page texts with the same separator FullText uses
// and returns a lookup from character offset to page number.
func joinPages(pages []entity.Page) (string, func(offset int) int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		starts[i] = b.Len()
		b.WriteString(p.Text)
	}
	text := b.String()

	pageAt := func(offset int) int {
		page := 1
		for i, start := range starts {
			if offset < start {
				break
			}
			page = pages[i].Number
		}
		return page
	}
	return text, pageAt
}

func snippet(text string, start, end, radius int) string {
	if start < 0 || end > len(text) || start > end {
		return ""
	}
	lo := start - radius
	if lo < 0 {
		lo = 0
	}
	hi := end + radius
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
