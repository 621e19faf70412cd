package capability

import (
	"context"
	"log/slog"

	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
)

// GraphNotifier receives entity results for documents as they finish the
// entities stage. The real consumer (a graph database loader) runs outside
// the pipeline; when it is not configured, a no-op stands in so the
// pipeline code carries no conditionals.
type GraphNotifier interface {
	DocumentProcessed(ctx context.Context, doc *entity.DocumentRecord, ents []entity.CanonicalEntity) error
}

// FaceClusterer is a placeholder capability slot; face processing consumes
// pipeline output independently and is never invoked from the stages.
type FaceClusterer interface {
	Enabled() bool
}

// Set holds the resolved optional collaborators.
type Set struct {
	Graph GraphNotifier
	Faces FaceClusterer
}

// Resolve picks implementations from environment presence at startup.
// Missing capabilities degrade to no-ops rather than errors.
func Resolve(cfg common.CapabilitiesConfig, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{
		Graph: noopGraph{logger: logger},
		Faces: noopFaces{},
	}
	if cfg.GraphURI != "" {
		// The graph loader consumes the published index independently; the
		// pipeline only emits notifications. A configured URI today still
		// resolves to the logging notifier until a driver is wired in.
		set.Graph = loggingGraph{logger: logger, uri: cfg.GraphURI}
		logger.Info("graph capability enabled", "uri", cfg.GraphURI)
	}
	if cfg.FacesEnabled {
		logger.Info("face clustering flagged on; processed externally")
		set.Faces = flaggedFaces{}
	}
	return set
}

type noopGraph struct{ logger *slog.Logger }

func (n noopGraph) DocumentProcessed(_ context.Context, doc *entity.DocumentRecord, ents []entity.CanonicalEntity) error {
	n.logger.Debug("graph capability disabled; skipping", "document_id", doc.ID, "entities", len(ents))
	return nil
}

type loggingGraph struct {
	logger *slog.Logger
	uri    string
}

func (g loggingGraph) DocumentProcessed(_ context.Context, doc *entity.DocumentRecord, ents []entity.CanonicalEntity) error {
	g.logger.Info("graph notification", "uri", g.uri, "document_id", doc.ID, "entities", len(ents))
	return nil
}

type noopFaces struct{}

func (noopFaces) Enabled() bool { return false }

type flaggedFaces struct{}

func (flaggedFaces) Enabled() bool { return true }
