package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openvault/dossier/constants"
	"github.com/openvault/dossier/internal/capability"
	"github.com/openvault/dossier/internal/common"
	"github.com/openvault/dossier/internal/discovery"
	"github.com/openvault/dossier/internal/entities"
	"github.com/openvault/dossier/internal/export"
	"github.com/openvault/dossier/internal/extract"
	"github.com/openvault/dossier/internal/fetch"
	"github.com/openvault/dossier/internal/index"
	"github.com/openvault/dossier/internal/pipeline"
	"github.com/openvault/dossier/internal/repository"
	"github.com/openvault/dossier/internal/retry"
	"github.com/openvault/dossier/internal/storage"
)

const usageText = `Usage: dossier <command> [flags]

Commands:
  discover      walk the source listings and register new documents
  download      acquire registered documents through the consent gate
  extract       extract per-page text, falling back to OCR where needed
  entities      tag and normalize entity mentions
  index         publish processed documents to the search index
  process-all   discover, then run every stage until drained
  status        print per-stage and entity counts
  export        write an XLSX report of documents and entities
`

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	if len(os.Args) < 2 {
		printError(usageText)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, logger: logger}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "discover":
		err = app.discover(ctx, args)
	case "download":
		err = app.runStage(ctx, args, constants.StageDownload)
	case "extract":
		err = app.runStage(ctx, args, constants.StageExtract)
	case "entities":
		err = app.runStage(ctx, args, constants.StageEntities)
	case "index":
		err = app.runStage(ctx, args, constants.StageIndex)
	case "process-all":
		err = app.processAll(ctx, args)
	case "status":
		err = app.status(ctx, args)
	case "export":
		err = app.export(ctx, args)
	default:
		printError("unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    *common.Config
	logger *slog.Logger
}

func (a *app) openStore(ctx context.Context) (*repository.DB, repository.DocumentRepository, repository.EntityRepository, error) {
	db, err := repository.Open(ctx, repository.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		DialTimeout:     a.cfg.Database.DialTimeout,
	}, a.logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open state store: %w", err)
	}
	docs := repository.NewDocumentRepository(db, a.logger)
	ents := repository.NewEntityRepository(db, a.logger)
	return db, docs, ents, nil
}

func (a *app) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Pipeline.MaxRetries,
		BaseDelay:   a.cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    a.cfg.Pipeline.RetryMaxDelay,
	}
}

func (a *app) orchestrator(docs repository.DocumentRepository, ents repository.EntityRepository, limit int) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(docs, ents, a.policy(), pipeline.Options{
		Workers: map[constants.Stage]int{
			constants.StageDownload: a.cfg.Pipeline.DownloadWorkers,
			constants.StageExtract:  a.cfg.Pipeline.ExtractWorkers,
			constants.StageEntities: a.cfg.Pipeline.EntityWorkers,
			constants.StageIndex:    a.cfg.Pipeline.IndexWorkers,
		},
		Limit:         limit,
		LeaseTimeout:  a.cfg.Pipeline.LeaseTimeout,
		SweepInterval: a.cfg.Pipeline.SweepInterval,
		UnitTimeout:   a.cfg.Pipeline.UnitTimeout,
	}, a.logger)
}

func (a *app) discover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	db, docs, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(a.logger)

	scanner := discovery.NewScanner(nil, docs, a.cfg.Source, a.policy(), a.logger)
	sum, err := scanner.Discover(ctx, a.cfg.Source.Sets)
	if err != nil {
		return err
	}

	fmt.Printf("Discovery complete!\n")
	fmt.Printf("- Sets scanned: %d\n", sum.Sets)
	fmt.Printf("- Pages walked: %d\n", sum.Pages)
	fmt.Printf("- Documents found: %d\n", sum.Found)
	fmt.Printf("- Newly registered: %d\n", sum.Created)
	for _, e := range sum.Errors {
		printError("- set error: %v\n", e)
	}
	return nil
}

// runStage drives a single stage until it drains.
func (a *app) runStage(ctx context.Context, args []string, stage constants.Stage) error {
	fs := flag.NewFlagSet(string(stage), flag.ExitOnError)
	reprocessFlag, reprocessUsage := "reprocess", "reset DONE/FAILED records for this stage before running"
	if stage == constants.StageIndex {
		reprocessFlag, reprocessUsage = "reindex", "re-publish already indexed documents"
	}
	var (
		limit       = fs.Int("limit", 0, "max documents to claim this run (0 = unlimited)")
		reprocess   = fs.Bool(reprocessFlag, false, reprocessUsage)
		retryFailed = fs.Bool("retry-failed", false, "requeue FAILED records for this stage, keeping their retry counts")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, docs, ents, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(a.logger)

	orch := a.orchestrator(docs, ents, *limit)

	if *reprocess {
		n, err := orch.Reprocess(ctx, stage)
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d records to PENDING for %s\n", n, stage)
	}
	if *retryFailed {
		n, err := requeueFailed(ctx, docs, stage)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d FAILED records for %s\n", n, stage)
	}

	proc, cleanup, err := a.buildProcessor(ctx, stage, docs, ents)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := orch.RunStages(ctx, proc); err != nil {
		return err
	}
	return a.printStatus(ctx, orch)
}

func (a *app) processAll(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process-all", flag.ExitOnError)
	limit := fs.Int("limit", 0, "max documents to claim per stage this run (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	db, docs, ents, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(a.logger)

	scanner := discovery.NewScanner(nil, docs, a.cfg.Source, a.policy(), a.logger)
	sum, err := scanner.Discover(ctx, a.cfg.Source.Sets)
	if err != nil {
		return err
	}
	a.logger.Info("discovery complete", "found", sum.Found, "created", sum.Created, "set_errors", len(sum.Errors))

	var procs []any
	var cleanups []func()
	defer func() {
		for _, c := range cleanups {
			c()
		}
	}()
	for _, stage := range constants.AllStages {
		proc, cleanup, err := a.buildProcessor(ctx, stage, docs, ents)
		if err != nil {
			return err
		}
		procs = append(procs, proc)
		cleanups = append(cleanups, cleanup)
	}

	orch := a.orchestrator(docs, ents, *limit)
	if err := orch.RunStages(ctx, procs...); err != nil {
		return err
	}
	return a.printStatus(ctx, orch)
}

// buildProcessor wires one stage's collaborators. The cleanup closes
// whatever the stage holds open (browser sessions for download).
func (a *app) buildProcessor(ctx context.Context, stage constants.Stage,
	docs repository.DocumentRepository, ents repository.EntityRepository) (any, func(), error) {
	noop := func() {}

	switch stage {
	case constants.StageDownload:
		sessions := fetch.NewSessionPool(ctx, a.cfg.Fetch, a.logger)
		fetcher, err := fetch.NewGatedFetcher(a.cfg.Fetch, sessions, a.logger)
		if err != nil {
			sessions.Close(5 * time.Second)
			return nil, noop, err
		}
		store := storage.NewStore(a.cfg.Storage.DataDir)
		return pipeline.NewDownloadProcessor(docs, fetcher, store, a.logger),
			func() { sessions.Close(10 * time.Second) }, nil

	case constants.StageExtract:
		extractor := extract.NewExtractor(extract.Config{
			Pdftotext:  a.cfg.Extract.Pdftotext,
			Pdftoppm:   a.cfg.Extract.Pdftoppm,
			Tesseract:  a.cfg.Extract.Tesseract,
			Language:   a.cfg.Extract.Language,
			DPI:        a.cfg.Extract.DPI,
			MinTextLen: a.cfg.Extract.MinTextLen,
			MaxPages:   a.cfg.Extract.MaxPages,
		}, a.logger)
		return pipeline.NewExtractProcessor(docs, extractor, a.logger), noop, nil

	case constants.StageEntities:
		var tagger entities.Tagger = entities.PatternTagger{}
		if cmd := a.cfg.Entities.TaggerCommand; cmd != "" {
			ext, err := entities.NewExternalTagger(cmd)
			if err != nil {
				return nil, noop, err
			}
			tagger = ext
		}
		normalizer := entities.NewNormalizer(docs, ents, tagger, entities.Config{
			MinLength:    a.cfg.Entities.MinLength,
			ContextChars: a.cfg.Entities.ContextChars,
		}, a.logger)
		caps := capability.Resolve(a.cfg.Capabilities, a.logger)
		return pipeline.NewEntitiesProcessor(docs, ents, normalizer, caps.Graph, a.logger), noop, nil

	case constants.StageIndex:
		upserter := index.NewMeiliUpserter(a.cfg.Index.URL, a.cfg.Index.APIKey)
		if err := upserter.Ping(ctx); err != nil {
			return nil, noop, fmt.Errorf("search index unreachable at %s: %w", a.cfg.Index.URL, err)
		}
		return index.NewPublisher(docs, ents, upserter, index.Config{
			DocumentIndex: a.cfg.Index.DocumentIndex,
			EntityIndex:   a.cfg.Index.EntityIndex,
			BatchSize:     a.cfg.Index.BatchSize,
		}, a.policy(), a.logger), noop, nil

	default:
		return nil, noop, fmt.Errorf("no processor for stage %q", stage)
	}
}

func requeueFailed(ctx context.Context, docs repository.DocumentRepository, stage constants.Stage) (int, error) {
	recs, err := docs.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, rec := range recs {
		if rec.Stage(stage).Status != constants.StatusFailed {
			continue
		}
		if err := docs.RequeueStage(ctx, rec.ID, stage); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	top := fs.Int("top", 10, "number of top entities to print per type")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, docs, ents, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(a.logger)

	orch := a.orchestrator(docs, ents, 0)
	if err := a.printStatus(ctx, orch); err != nil {
		return err
	}

	if *top > 0 {
		list, err := ents.TopEntities(ctx, "", *top)
		if err != nil {
			return err
		}
		if len(list) > 0 {
			fmt.Printf("\nTop entities:\n")
			for _, e := range list {
				fmt.Printf("  %-30s %-6s mentions=%d documents=%d\n", e.Name, e.EntityType, e.MentionCount, e.DocumentCount)
			}
		}
	}
	return nil
}

func (a *app) printStatus(ctx context.Context, orch *pipeline.Orchestrator) error {
	st, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Stage status:\n")
	for _, stage := range constants.AllStages {
		c := st.Stages[stage]
		fmt.Printf("  %-10s pending=%d in_progress=%d done=%d failed=%d\n",
			stage,
			c[constants.StatusPending],
			c[constants.StatusInProgress],
			c[constants.StatusDone],
			c[constants.StatusFailed])
	}
	if len(st.Entities) > 0 {
		fmt.Printf("Entities by type:\n")
		for _, t := range []string{"PERSON", "ORG", "GPE", "LOC", "DATE"} {
			if n, ok := st.Entities[t]; ok {
				fmt.Printf("  %-10s %d\n", t, n)
			}
		}
	}
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "dossier.xlsx", "output XLSX file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, docs, ents, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close(a.logger)

	svc := export.NewService(docs, ents, a.logger)
	data, err := svc.ExportXLSX(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Export written to %s\n", *out)
	return nil
}
