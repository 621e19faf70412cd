package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestRepos(t *testing.T) (repository.DocumentRepository, repository.EntityRepository) {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{
		DSN: filepath.Join(t.TempDir(), "test.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close(testLogger()) })
	return repository.NewDocumentRepository(db, testLogger()), repository.NewEntityRepository(db, testLogger())
}

func seedDocs(t *testing.T, docs repository.DocumentRepository, names ...string) map[string]*entity.DocumentRecord {
	t.Helper()
	out := make(map[string]*entity.DocumentRecord, len(names))
	for _, n := range names {
		rec, _, err := docs.UpsertByKey(context.Background(), entity.Candidate{
			SourceURL: "https://example.org/" + n, Filename: n, SetID: "set-1",
		})
		if err != nil {
			t.Fatal(err)
		}
		out[n] = rec
	}
	return out
}

// scriptedProcessor returns the error configured for each filename and
// counts how often each document was attempted.
type scriptedProcessor struct {
	stage    constants.Stage
	errByDoc map[string]error

	mu       sync.Mutex
	attempts map[string]int
}

func newScriptedProcessor(stage constants.Stage, errByDoc map[string]error) *scriptedProcessor {
	return &scriptedProcessor{stage: stage, errByDoc: errByDoc, attempts: make(map[string]int)}
}

func (p *scriptedProcessor) Stage() constants.Stage { return p.stage }

func (p *scriptedProcessor) Process(_ context.Context, rec *entity.DocumentRecord) error {
	p.mu.Lock()
	p.attempts[rec.Filename]++
	p.mu.Unlock()
	return p.errByDoc[rec.Filename]
}

func (p *scriptedProcessor) attemptsFor(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[name]
}

func testOptions() Options {
	return Options{
		Workers:       map[constants.Stage]int{constants.StageDownload: 2, constants.StageExtract: 2},
		LeaseTimeout:  time.Minute,
		SweepInterval: 10 * time.Millisecond,
		UnitTimeout:   time.Second,
		PollInterval:  5 * time.Millisecond,
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunStagesDrainsAndRecordsOutcomes(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "good.pdf", "broken.pdf")

	proc := newScriptedProcessor(constants.StageDownload, map[string]error{
		"broken.pdf": common.NewPipelineError(common.ErrIntegrity, constants.ReasonIntegrityCheck, "html payload", nil),
	})
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())

	if err := orch.RunStages(runCtx(t), proc); err != nil {
		t.Fatal(err)
	}

	recs, err := docs.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		st := rec.Stage(constants.StageDownload)
		switch rec.Filename {
		case "good.pdf":
			if st.Status != constants.StatusDone {
				t.Errorf("good.pdf: expected DONE, got %s", st.Status)
			}
		case "broken.pdf":
			if st.Status != constants.StatusFailed {
				t.Errorf("broken.pdf: expected FAILED, got %s", st.Status)
			}
			if st.ErrorReason != string(constants.ReasonIntegrityCheck) {
				t.Errorf("broken.pdf: expected integrity reason, got %q", st.ErrorReason)
			}
		}
	}

	// Terminal failures are never retried.
	if got := proc.attemptsFor("broken.pdf"); got != 1 {
		t.Errorf("broken.pdf: expected 1 attempt, got %d", got)
	}
}

func TestRunStagesRetriesTransientUntilExhausted(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "flaky.pdf")

	proc := newScriptedProcessor(constants.StageDownload, map[string]error{
		"flaky.pdf": common.NewPipelineError(common.ErrTransientNetwork, constants.ReasonNetworkExhausted, "timeout", nil),
	})
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())

	if err := orch.RunStages(runCtx(t), proc); err != nil {
		t.Fatal(err)
	}

	recs, _ := docs.List(context.Background(), 0)
	st := recs[0].Stage(constants.StageDownload)
	if st.Status != constants.StatusFailed {
		t.Fatalf("expected FAILED after exhaustion, got %s", st.Status)
	}
	if st.ErrorReason != string(constants.ReasonNetworkExhausted) {
		t.Errorf("expected network_exhausted, got %q", st.ErrorReason)
	}
	// MaxAttempts=2: two attempts release the claim and count retries up,
	// the third fails the record.
	if got := proc.attemptsFor("flaky.pdf"); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRunStagesRespectsLimit(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "a.pdf", "b.pdf", "c.pdf")

	proc := newScriptedProcessor(constants.StageDownload, nil)
	opts := testOptions()
	opts.Limit = 2
	orch := NewOrchestrator(docs, ents, testPolicy(), opts, testLogger())

	if err := orch.RunStages(runCtx(t), proc); err != nil {
		t.Fatal(err)
	}

	counts, err := docs.StageCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if done := counts[constants.StageDownload][constants.StatusDone]; done != 2 {
		t.Errorf("expected 2 done under the limit, got %d", done)
	}
	if pending := counts[constants.StageDownload][constants.StatusPending]; pending != 1 {
		t.Errorf("expected 1 still pending, got %d", pending)
	}
}

func TestRunStagesSingleStageExitsWithUpstreamBacklog(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "a.pdf") // download still PENDING

	proc := newScriptedProcessor(constants.StageExtract, nil)
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())
	ctx := runCtx(t)

	done := make(chan error, 1)
	go func() { done <- orch.RunStages(ctx, proc) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("extract-only run did not finish while downloads are pending")
	}

	counts, err := docs.StageCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pending := counts[constants.StageDownload][constants.StatusPending]; pending != 1 {
		t.Errorf("download backlog should be untouched, got %d pending", pending)
	}
	if pending := counts[constants.StageExtract][constants.StatusPending]; pending != 1 {
		t.Errorf("extract should still be pending, got %d", pending)
	}
	if got := proc.attemptsFor("a.pdf"); got != 0 {
		t.Errorf("expected no extract attempts, got %d", got)
	}
}

func TestRunStagesFeedsDownstreamStage(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "a.pdf", "b.pdf")

	download := newScriptedProcessor(constants.StageDownload, nil)
	extract := newScriptedProcessor(constants.StageExtract, nil)
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())

	if err := orch.RunStages(runCtx(t), download, extract); err != nil {
		t.Fatal(err)
	}

	counts, err := docs.StageCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, stage := range []constants.Stage{constants.StageDownload, constants.StageExtract} {
		if done := counts[stage][constants.StatusDone]; done != 2 {
			t.Errorf("%s: expected 2 done, got %d", stage, done)
		}
	}
}

// fakeBatchProcessor marks everything done itself, the way the index
// publisher does.
type fakeBatchProcessor struct {
	docs repository.DocumentRepository

	mu      sync.Mutex
	batches [][]string
}

func (p *fakeBatchProcessor) Stage() constants.Stage { return constants.StageDownload }

func (p *fakeBatchProcessor) ProcessBatch(ctx context.Context, recs []*entity.DocumentRecord) error {
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Filename)
		if err := p.docs.MarkStageDone(ctx, rec.ID, constants.StageDownload); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.batches = append(p.batches, names)
	p.mu.Unlock()
	return nil
}

func TestRunStagesBatchProcessor(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "a.pdf", "b.pdf", "c.pdf")

	proc := &fakeBatchProcessor{docs: docs}
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())

	if err := orch.RunStages(runCtx(t), proc); err != nil {
		t.Fatal(err)
	}

	counts, _ := docs.StageCounts(context.Background())
	if done := counts[constants.StageDownload][constants.StatusDone]; done != 3 {
		t.Errorf("expected 3 done, got %d", done)
	}
	total := 0
	for _, b := range proc.batches {
		total += len(b)
	}
	if total != 3 {
		t.Errorf("expected 3 records across batches, got %d", total)
	}
}

func TestReprocessResetsStage(t *testing.T) {
	docs, ents := openTestRepos(t)
	seedDocs(t, docs, "a.pdf")

	proc := newScriptedProcessor(constants.StageDownload, nil)
	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())
	ctx := runCtx(t)

	if err := orch.RunStages(ctx, proc); err != nil {
		t.Fatal(err)
	}
	n, err := orch.Reprocess(ctx, constants.StageDownload)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset record, got %d", n)
	}
	if err := orch.RunStages(ctx, proc); err != nil {
		t.Fatal(err)
	}
	if got := proc.attemptsFor("a.pdf"); got != 2 {
		t.Errorf("expected the document processed twice, got %d", got)
	}
}

func TestStatusAggregates(t *testing.T) {
	docs, ents := openTestRepos(t)
	recs := seedDocs(t, docs, "a.pdf")

	if err := ents.ReplaceMentions(context.Background(), recs["a.pdf"].ID, []entity.MentionInput{{
		Name: "jane doe", NormalizedName: "jane doe", EntityType: "PERSON", PageNumber: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	orch := NewOrchestrator(docs, ents, testPolicy(), testOptions(), testLogger())
	st, err := orch.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Stages[constants.StageDownload][constants.StatusPending]; got != 1 {
		t.Errorf("expected 1 pending download, got %d", got)
	}
	if st.Entities["PERSON"] != 1 {
		t.Errorf("expected 1 person, got %+v", st.Entities)
	}
}
