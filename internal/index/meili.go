package index

import (
	"context"
	"fmt"

	"github.com/meilisearch/meilisearch-go"
)

// MeiliUpserter adapts the Meilisearch client to the BulkUpserter contract.
// AddDocuments with a primary key is an upsert, which is what makes the
// publisher resumable.
type MeiliUpserter struct {
	client meilisearch.ServiceManager
}

func NewMeiliUpserter(url, apiKey string) *MeiliUpserter {
	var opts []meilisearch.Option
	if apiKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(apiKey))
	}
	return &MeiliUpserter{client: meilisearch.New(url, opts...)}
}

func (m *MeiliUpserter) BulkUpsert(ctx context.Context, index string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	task, err := m.client.Index(index).AddDocumentsWithContext(ctx, docs, "id")
	if err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	final, err := m.client.WaitForTaskWithContext(ctx, task.TaskUID, 0)
	if err != nil {
		return fmt.Errorf("await index task: %w", err)
	}
	if final.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("index task %d finished %s: %s", task.TaskUID, final.Status, final.Error.Message)
	}
	return nil
}

// Ping verifies connectivity before a run; an unreachable index is a
// configuration error, not a per-document failure.
func (m *MeiliUpserter) Ping(_ context.Context) error {
	if !m.client.IsHealthy() {
		return fmt.Errorf("meilisearch is not healthy")
	}
	return nil
}
