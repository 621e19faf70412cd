package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		DSN: filepath.Join(t.TempDir(), "test.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close(testLogger()) })
	return db
}

func candidate(n string) entity.Candidate {
	return entity.Candidate{
		SourceURL: "https://example.org/files/" + n,
		Filename:  n,
		Title:     "Exhibit " + n,
		SetID:     "set-1",
	}
}

func mustCreate(t *testing.T, repo DocumentRepository, n string) *entity.DocumentRecord {
	t.Helper()
	rec, created, err := repo.UpsertByKey(context.Background(), candidate(n))
	if err != nil {
		t.Fatalf("upsert %s: %v", n, err)
	}
	if !created {
		t.Fatalf("expected %s to be newly created", n)
	}
	return rec
}

func TestUpsertByKeyIdempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()

	first := mustCreate(t, repo, "a.pdf")

	// Advance one stage so re-discovery can prove it leaves state alone.
	if err := repo.ClaimStage(ctx, first.ID, constants.StageDownload, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.MarkStageDone(ctx, first.ID, constants.StageDownload); err != nil {
		t.Fatalf("done: %v", err)
	}

	c := candidate("a.pdf")
	c.Title = "Exhibit a.pdf (revised)"
	again, created, err := repo.UpsertByKey(ctx, c)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if created {
		t.Error("re-discovery must not create a new record")
	}
	if again.ID != first.ID {
		t.Errorf("expected same id, got %s and %s", first.ID, again.ID)
	}
	if again.Title != "Exhibit a.pdf (revised)" {
		t.Errorf("title not refreshed: %q", again.Title)
	}
	if got := again.Stage(constants.StageDownload).Status; got != constants.StatusDone {
		t.Errorf("re-discovery reset stage state: %s", got)
	}
	if got := again.Stage(constants.StageExtract).Status; got != constants.StatusPending {
		t.Errorf("expected extract PENDING, got %s", got)
	}
}

func TestClaimStageSingleWinner(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()
	rec := mustCreate(t, repo, "race.pdf")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ClaimStage(ctx, rec.ID, constants.StageDownload, "w")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, common.ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Errorf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestTransitionsEnforced(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()
	rec := mustCreate(t, repo, "t.pdf")

	// DONE without holding the claim is illegal.
	if err := repo.MarkStageDone(ctx, rec.ID, constants.StageDownload); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if err := repo.ClaimStage(ctx, rec.ID, constants.StageDownload, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.MarkStageFailed(ctx, rec.ID, constants.StageDownload, constants.ReasonIntegrityCheck); err != nil {
		t.Fatalf("fail: %v", err)
	}

	loaded, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	st := loaded.Stage(constants.StageDownload)
	if st.Status != constants.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.ErrorReason != string(constants.ReasonIntegrityCheck) {
		t.Errorf("reason not recorded: %q", st.ErrorReason)
	}

	// FAILED -> PENDING keeps the retry count.
	if err := repo.RequeueStage(ctx, rec.ID, constants.StageDownload); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	loaded, _ = repo.GetByID(ctx, rec.ID)
	st = loaded.Stage(constants.StageDownload)
	if st.Status != constants.StatusPending {
		t.Errorf("expected PENDING after requeue, got %s", st.Status)
	}
	if st.ErrorReason != "" {
		t.Errorf("requeue should clear the reason, got %q", st.ErrorReason)
	}
}

func TestReleaseStageCountsRetry(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()
	rec := mustCreate(t, repo, "r.pdf")

	for i := 1; i <= 2; i++ {
		if err := repo.ClaimStage(ctx, rec.ID, constants.StageDownload, "w1"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := repo.ReleaseStage(ctx, rec.ID, constants.StageDownload); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	loaded, _ := repo.GetByID(ctx, rec.ID)
	st := loaded.Stage(constants.StageDownload)
	if st.Status != constants.StatusPending {
		t.Errorf("expected PENDING, got %s", st.Status)
	}
	if st.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", st.RetryCount)
	}
	if st.ClaimedAt != nil || st.ClaimedBy != "" {
		t.Errorf("release must clear the claim, got %v/%q", st.ClaimedAt, st.ClaimedBy)
	}
}

func TestQueryEligibleHonorsPrerequisite(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()

	ready := mustCreate(t, repo, "ready.pdf")
	mustCreate(t, repo, "blocked.pdf")

	// Downloads have no prerequisite: both are eligible.
	recs, err := repo.QueryEligible(ctx, constants.StageDownload, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 eligible downloads, got %d", len(recs))
	}

	// Only the record whose download is DONE feeds the extract stage.
	if err := repo.ClaimStage(ctx, ready.ID, constants.StageDownload, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkStageDone(ctx, ready.ID, constants.StageDownload); err != nil {
		t.Fatal(err)
	}

	recs, err = repo.QueryEligible(ctx, constants.StageExtract, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != ready.ID {
		t.Fatalf("expected only the downloaded record eligible for extract, got %d", len(recs))
	}
}

func TestSweepStaleClaimsExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	base := time.Now()
	repo := &documentRepo{db: db, logger: testLogger(), now: func() time.Time { return base }}
	ctx := context.Background()
	rec := mustCreate(t, repo, "stale.pdf")

	if err := repo.ClaimStage(ctx, rec.ID, constants.StageDownload, "w1"); err != nil {
		t.Fatal(err)
	}

	// Move the clock past the lease.
	repo.now = func() time.Time { return base.Add(time.Hour) }

	n, err := repo.SweepStaleClaims(ctx, constants.StageDownload, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept claim, got %d", n)
	}

	loaded, _ := repo.GetByID(ctx, rec.ID)
	st := loaded.Stage(constants.StageDownload)
	if st.Status != constants.StatusPending {
		t.Errorf("expected PENDING after sweep, got %s", st.Status)
	}
	if st.RetryCount != 1 {
		t.Errorf("sweep must count the lost attempt, got retry_count %d", st.RetryCount)
	}

	// A second sweep finds nothing: the claim was cleared by the first.
	n, err = repo.SweepStaleClaims(ctx, constants.StageDownload, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep must find nothing, got %d", n)
	}
}

func TestResetStage(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()

	done := mustCreate(t, repo, "done.pdf")
	failed := mustCreate(t, repo, "failed.pdf")
	pending := mustCreate(t, repo, "pending.pdf")

	if err := repo.ClaimStage(ctx, done.ID, constants.StageExtract, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkStageDone(ctx, done.ID, constants.StageExtract); err != nil {
		t.Fatal(err)
	}
	if err := repo.ClaimStage(ctx, failed.ID, constants.StageExtract, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkStageFailed(ctx, failed.ID, constants.StageExtract, constants.ReasonUnparseableSource); err != nil {
		t.Fatal(err)
	}

	n, err := repo.ResetStage(ctx, constants.StageExtract)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reset records, got %d", n)
	}

	for _, rec := range []*entity.DocumentRecord{done, failed, pending} {
		loaded, _ := repo.GetByID(ctx, rec.ID)
		st := loaded.Stage(constants.StageExtract)
		if st.Status != constants.StatusPending {
			t.Errorf("%s: expected PENDING, got %s", loaded.Filename, st.Status)
		}
		if st.RetryCount != 0 || st.ErrorReason != "" {
			t.Errorf("%s: reset must zero retry state", loaded.Filename)
		}
		// Other stages are untouched.
		if got := loaded.Stage(constants.StageDownload).Status; got != constants.StatusPending {
			t.Errorf("%s: download stage disturbed: %s", loaded.Filename, got)
		}
	}
}

func TestSavePagesReplacesAndFullText(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()
	rec := mustCreate(t, repo, "pages.pdf")

	first := []entity.Page{
		{Number: 1, Text: "old page one"},
		{Number: 2, Text: "old page two", UsedOCR: true},
	}
	if err := repo.SavePages(ctx, rec.ID, first); err != nil {
		t.Fatal(err)
	}

	second := []entity.Page{
		{Number: 1, Text: "new page one"},
	}
	if err := repo.SavePages(ctx, rec.ID, second); err != nil {
		t.Fatal(err)
	}

	pages, err := repo.LoadPages(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 || pages[0].Text != "new page one" {
		t.Fatalf("reprocessing left stale pages behind: %+v", pages)
	}

	if err := repo.SavePages(ctx, rec.ID, []entity.Page{
		{Number: 1, Text: "alpha"},
		{Number: 2, Text: "beta"},
	}); err != nil {
		t.Fatal(err)
	}
	text, err := repo.FullText(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if text != "alpha\n\nbeta" {
		t.Errorf("unexpected full text: %q", text)
	}
}

func TestStageCountsAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewDocumentRepository(db, testLogger())
	ctx := context.Background()

	a := mustCreate(t, repo, "one.pdf")
	mustCreate(t, repo, "two.pdf")

	if err := repo.ClaimStage(ctx, a.ID, constants.StageDownload, "w1"); err != nil {
		t.Fatal(err)
	}

	counts, err := repo.StageCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := counts[constants.StageDownload][constants.StatusPending]; got != 1 {
		t.Errorf("expected 1 pending download, got %d", got)
	}
	if got := counts[constants.StageDownload][constants.StatusInProgress]; got != 1 {
		t.Errorf("expected 1 in-progress download, got %d", got)
	}
	if got := counts[constants.StageExtract][constants.StatusPending]; got != 2 {
		t.Errorf("expected 2 pending extracts, got %d", got)
	}

	recs, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(recs))
	}
	if recs[0].Stages == nil {
		t.Error("List must load stage state")
	}
}
