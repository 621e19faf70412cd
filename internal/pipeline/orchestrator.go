package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/entity"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/retry"
)

// Options tune one orchestrator run.
type Options struct {
	Workers       map[constants.Stage]int
	Limit         int // max claims per stage per invocation; 0 = unlimited
	LeaseTimeout  time.Duration
	SweepInterval time.Duration
	UnitTimeout   time.Duration
	PollInterval  time.Duration
}

// Orchestrator drives independent worker pools per stage against the
// persisted stage state machine. The claim CAS is the only cross-worker
// coordination; everything else works off its own record.
type Orchestrator struct {
	docs   repository.DocumentRepository
	ents   repository.EntityRepository
	policy retry.Policy
	opts   Options
	logger *slog.Logger
}

func NewOrchestrator(docs repository.DocumentRepository, ents repository.EntityRepository,
	policy retry.Policy, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.UnitTimeout <= 0 {
		opts.UnitTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Orchestrator{docs: docs, ents: ents, policy: policy, opts: opts, logger: logger}
}

// RunStages drains the given stages concurrently, sweeping stale leases in
// the background. It returns once every stage has no more reachable work or
// the context is cancelled. Per-document failures never abort the run.
func (o *Orchestrator) RunStages(ctx context.Context, procs ...any) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	stages := make([]constants.Stage, 0, len(procs))
	for _, p := range procs {
		stages = append(stages, stageOf(p))
	}

	g.Go(func() error { return o.sweeper(gctx, stages) })

	active := int64(len(procs))
	for _, p := range procs {
		p := p
		g.Go(func() error {
			defer func() {
				if atomic.AddInt64(&active, -1) == 0 {
					cancel() // last stage drained; stop the sweeper
				}
			}()
			return o.runStage(gctx, p, stages)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil // internal drain cancellation, not a caller abort
	}
	return err
}

func stageOf(p any) constants.Stage {
	switch v := p.(type) {
	case Processor:
		return v.Stage()
	case BatchProcessor:
		return v.Stage()
	default:
		panic(fmt.Sprintf("not a stage processor: %T", p))
	}
}

func (o *Orchestrator) runStage(ctx context.Context, proc any, allStages []constants.Stage) error {
	stage := stageOf(proc)
	workers := o.opts.Workers[stage]
	if workers <= 0 {
		workers = 1
	}

	claimed := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if o.opts.Limit > 0 && claimed >= o.opts.Limit {
			o.logger.Info("stage limit reached", "stage", stage, "claimed", claimed)
			return nil
		}

		batchSize := workers * 2
		if o.opts.Limit > 0 && o.opts.Limit-claimed < batchSize {
			batchSize = o.opts.Limit - claimed
		}
		recs, err := o.claimEligible(ctx, stage, batchSize)
		if err != nil {
			return err
		}
		claimed += len(recs)

		if len(recs) == 0 {
			done, err := o.stageDrained(ctx, stage, allStages)
			if err != nil {
				return err
			}
			if done {
				o.logger.Debug("stage drained", "stage", stage)
				return nil
			}
			select {
			case <-time.After(o.opts.PollInterval):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if bp, ok := proc.(BatchProcessor); ok {
			if err := bp.ProcessBatch(ctx, recs); err != nil && ctx.Err() == nil {
				o.logger.Error("batch processing failed", "stage", stage, "error", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		o.processPool(ctx, proc.(Processor), recs, workers)
	}
}

// claimEligible claims up to n records, skipping the ones lost to a racing
// worker.
func (o *Orchestrator) claimEligible(ctx context.Context, stage constants.Stage, n int) ([]*entity.DocumentRecord, error) {
	eligible, err := o.docs.QueryEligible(ctx, stage, n)
	if err != nil {
		return nil, err
	}
	workerID := fmt.Sprintf("%s-%d", stage, os.Getpid())

	claimed := make([]*entity.DocumentRecord, 0, len(eligible))
	for _, rec := range eligible {
		err := o.docs.ClaimStage(ctx, rec.ID, stage, workerID)
		if errors.Is(err, common.ErrClaimConflict) {
			continue // lost the race; not an error
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

func (o *Orchestrator) processPool(ctx context.Context, proc Processor, recs []*entity.DocumentRecord, workers int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			o.processOne(gctx, proc, rec)
			return nil
		})
	}
	_ = g.Wait()
}

// processOne runs the stage function under the per-unit deadline and
// records the resulting transition.
func (o *Orchestrator) processOne(ctx context.Context, proc Processor, rec *entity.DocumentRecord) {
	stage := proc.Stage()

	unitCtx, cancel := context.WithTimeout(ctx, o.opts.UnitTimeout)
	err := proc.Process(unitCtx, rec)
	cancel()

	// Transitions must land even when the run context is gone (shutdown
	// releases in-flight claims instead of stranding them IN_PROGRESS).
	txCtx, txCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer txCancel()

	switch {
	case err == nil:
		if derr := o.docs.MarkStageDone(txCtx, rec.ID, stage); derr != nil {
			o.logger.Error("mark done failed", "stage", stage, "document_id", rec.ID, "error", derr)
		}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown or unit timeout: same reset path as the lease sweep.
		o.release(txCtx, stage, rec)

	case errors.Is(err, common.ErrIntegrity), errors.Is(err, common.ErrUnparseableSource):
		// Terminal immediately; flagged for manual review.
		reason := common.ReasonFor(err)
		o.logger.Error("stage failed terminally", "stage", stage, "document_id", rec.ID, "reason", reason, "error", err)
		if ferr := o.docs.MarkStageFailed(txCtx, rec.ID, stage, reason); ferr != nil {
			o.logger.Error("mark failed failed", "stage", stage, "document_id", rec.ID, "error", ferr)
		}

	case errors.Is(err, common.ErrTransientNetwork), errors.Is(err, common.ErrGateBypass):
		state := rec.Stage(stage)
		if o.policy.Exhausted(state.RetryCount) {
			reason := common.ReasonFor(err)
			o.logger.Error("retry budget exhausted", "stage", stage, "document_id", rec.ID, "reason", reason)
			if ferr := o.docs.MarkStageFailed(txCtx, rec.ID, stage, reason); ferr != nil {
				o.logger.Error("mark failed failed", "stage", stage, "document_id", rec.ID, "error", ferr)
			}
			return
		}
		o.logger.Warn("transient failure; requeueing",
			"stage", stage, "document_id", rec.ID, "attempt", state.RetryCount+1, "error", err)
		o.backoff(ctx, state.RetryCount)
		o.release(txCtx, stage, rec)

	default:
		// Unclassified errors count against the same retry budget.
		state := rec.Stage(stage)
		if o.policy.Exhausted(state.RetryCount) {
			if ferr := o.docs.MarkStageFailed(txCtx, rec.ID, stage, constants.ReasonNetworkExhausted); ferr != nil {
				o.logger.Error("mark failed failed", "stage", stage, "document_id", rec.ID, "error", ferr)
			}
			return
		}
		o.logger.Warn("stage error; requeueing", "stage", stage, "document_id", rec.ID, "error", err)
		o.backoff(ctx, state.RetryCount)
		o.release(txCtx, stage, rec)
	}
}

func (o *Orchestrator) release(ctx context.Context, stage constants.Stage, rec *entity.DocumentRecord) {
	if err := o.docs.ReleaseStage(ctx, rec.ID, stage); err != nil {
		o.logger.Error("release claim failed", "stage", stage, "document_id", rec.ID, "error", err)
	}
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) {
	select {
	case <-time.After(o.policy.Backoff(attempt)):
	case <-ctx.Done():
	}
}

// stageDrained reports whether a stage can expect no further work this run:
// nothing PENDING for it, and no upstream stage THIS RUN is driving holds
// records that could still feed it. Upstream backlog outside the run cannot
// progress during it, so a single-stage invocation finishes what is eligible
// and exits instead of waiting on work nobody is doing.
func (o *Orchestrator) stageDrained(ctx context.Context, stage constants.Stage, runStages []constants.Stage) (bool, error) {
	counts, err := o.docs.StageCounts(ctx)
	if err != nil {
		return false, err
	}
	if counts[stage][constants.StatusPending] > 0 || counts[stage][constants.StatusInProgress] > 0 {
		return false, nil
	}
	running := make(map[constants.Stage]bool, len(runStages))
	for _, s := range runStages {
		running[s] = true
	}
	for s, ok := constants.Prerequisite(stage); ok; s, ok = constants.Prerequisite(s) {
		if !running[s] {
			continue
		}
		if counts[s][constants.StatusPending] > 0 || counts[s][constants.StatusInProgress] > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (o *Orchestrator) sweeper(ctx context.Context, stages []constants.Stage) error {
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, stage := range stages {
				if _, err := o.docs.SweepStaleClaims(ctx, stage, o.opts.LeaseTimeout); err != nil && ctx.Err() == nil {
					o.logger.Error("lease sweep failed", "stage", stage, "error", err)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Reprocess rewinds a stage's DONE/FAILED records to PENDING.
func (o *Orchestrator) Reprocess(ctx context.Context, stage constants.Stage) (int64, error) {
	n, err := o.docs.ResetStage(ctx, stage)
	if err != nil {
		return 0, err
	}
	o.logger.Info("stage reset for reprocessing", "stage", stage, "records", n)
	return n, nil
}

// Status aggregates per-stage document counts plus entity totals.
type Status struct {
	Stages   map[constants.Stage]map[constants.StageStatus]int
	Entities map[string]int
}

func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	stages, err := o.docs.StageCounts(ctx)
	if err != nil {
		return nil, err
	}
	ents, err := o.ents.CountsByType(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Stages: stages, Entities: ents}, nil
}
