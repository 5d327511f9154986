package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kasperjunge/boligmarkedet/boliga"
	"github.com/kasperjunge/boligmarkedet/config"
	"github.com/kasperjunge/boligmarkedet/httputil"
	"github.com/kasperjunge/boligmarkedet/ingest"
	"github.com/kasperjunge/boligmarkedet/logging"
	"github.com/kasperjunge/boligmarkedet/models"
	"github.com/kasperjunge/boligmarkedet/scheduler"
	"github.com/kasperjunge/boligmarkedet/storage"
	"github.com/kasperjunge/boligmarkedet/workers"
)

var (
	bulkFlag        = flag.String("bulk", "", "Run a bulk backfill for a category (active, sold or all) and exit")
	incrementalFlag = flag.String("incremental", "", "Run an incremental refresh for a category (active, sold or all) and exit")
	resumeFlag      = flag.String("resume", "", "Resume the latest paused run for a category (active, sold or all) and exit")
	cmdFlag         = flag.String("cmd", "", "Enqueue an operator command for a running daemon (run_now, run_category, run_enrichment, pause, resume) and exit")
	cmdCategoryFlag = flag.String("category", "", "Category argument for -cmd (active or sold; empty targets all)")
	statusFlag      = flag.Bool("status", false, "Print recent runs per category from the local store and exit")
	historyFlag     = flag.String("history", "", "Print the version history for an entity key (e.g. active:1234567) and exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logFile, err := logging.Setup("daemon.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting boligmarkedet...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded %d category configs", len(cfg.Categories))
	for id, cat := range cfg.Categories {
		log.Printf("  - %s (%s, enabled=%v)", cat.Name, id, cat.Enabled)
	}

	ctx := context.Background()

	// Command and status modes only need the local store.
	if *cmdFlag != "" || *statusFlag {
		local, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open SQLite: %v", err)
		}
		code := 0
		if *cmdFlag != "" {
			code = enqueueCommand(local, *cmdFlag, *cmdCategoryFlag)
		} else {
			code = printStatus(local)
		}
		local.Close()
		os.Exit(code)
	}

	pgStore, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.Database.URL))

	if *historyFlag != "" {
		code := printHistory(ctx, pgStore, *historyFlag)
		pgStore.Close()
		os.Exit(code)
	}

	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	// One transport and one token bucket shared by every category.
	transport := httputil.NewClient(cfg.Fetcher.Timeout)
	policy := boliga.RetryPolicy{
		MaxAttempts: cfg.Fetcher.MaxAttempts,
		BaseDelay:   cfg.Fetcher.BaseDelay,
		MaxDelay:    cfg.Fetcher.MaxDelay,
		Jitter:      boliga.DefaultRetryPolicy().Jitter,
	}
	fetcher := boliga.NewFetcher(transport, cfg.Fetcher.RequestsPerSecond, policy)

	engine := ingest.NewEngine(pgStore)
	checkpoints := ingest.NewCheckpointManager(pgStore)

	orchestrators := make(map[models.Category]*ingest.Orchestrator)
	for id, cat := range cfg.Categories {
		if !cat.Enabled {
			continue
		}
		category := models.Category(id)
		client := boliga.NewClient(cfg.Fetcher.BaseURL, fetcher, cat.PageSize)
		walker := boliga.NewWalker(client)
		overlap := time.Duration(cat.SoldOverlapDays) * 24 * time.Hour
		orchestrators[category] = ingest.NewOrchestrator(category, walker, engine, checkpoints, pgStore, overlap)
	}

	if *bulkFlag != "" || *incrementalFlag != "" || *resumeFlag != "" {
		os.Exit(runOneShot(ctx, orchestrators, *bulkFlag, *incrementalFlag, *resumeFlag))
	}

	// Daemon mode
	sched := scheduler.New(cfg, orchestrators, pgStore, sqliteStore)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Enrichment.Enabled {
		detailClient := boliga.NewClient(cfg.Fetcher.BaseURL, fetcher, 0)
		enrichmentWorker := workers.NewEnrichmentWorker(pgStore, detailClient, cfg.Enrichment.MaxAttempts)
		sched.SetWorkers(enrichmentWorker)
		go enrichmentWorker.Run(ctx, cfg.Enrichment.BatchSize, cfg.Enrichment.Interval)
		log.Println("Enrichment worker started")
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	cancel()
	log.Println("Goodbye!")
}

func runOneShot(ctx context.Context, orchestrators map[models.Category]*ingest.Orchestrator, bulk, incremental, resume string) int {
	type job struct {
		selector string
		run      func(*ingest.Orchestrator) ingest.RunResult
	}
	var jobs []job
	if bulk != "" {
		jobs = append(jobs, job{bulk, func(o *ingest.Orchestrator) ingest.RunResult { return o.RunBulk(ctx) }})
	}
	if incremental != "" {
		jobs = append(jobs, job{incremental, func(o *ingest.Orchestrator) ingest.RunResult { return o.RunIncremental(ctx) }})
	}
	if resume != "" {
		jobs = append(jobs, job{resume, func(o *ingest.Orchestrator) ingest.RunResult { return o.Resume(ctx, uuid.Nil) }})
	}

	exit := 0
	ran := 0
	var total models.RunCounts
	for _, j := range jobs {
		for category, orch := range orchestrators {
			if j.selector != "all" && j.selector != string(category) {
				continue
			}
			result := j.run(orch)
			log.Printf("%s run %s finished %s: created=%d versioned=%d unchanged=%d removed=%d invalid=%d pages=%d",
				category, result.RunID, result.State,
				result.Counts.Created, result.Counts.Versioned, result.Counts.Unchanged,
				result.Counts.Removed, result.Counts.Invalid, result.Counts.Pages)
			if result.State == models.RunStateFailed {
				log.Printf("%s run failed: %v", category, result.Err)
				exit = 1
			}
			total.Add(result.Counts)
			ran++
		}
	}
	if ran > 1 {
		log.Printf("All runs finished: created=%d versioned=%d unchanged=%d removed=%d invalid=%d pages=%d",
			total.Created, total.Versioned, total.Unchanged, total.Removed, total.Invalid, total.Pages)
	}
	return exit
}

// enqueueCommand queues an operator command for the daemon's poll loop.
func enqueueCommand(local *storage.SQLiteStore, cmd, category string) int {
	command := models.CommandType(cmd)
	if !command.Valid() {
		log.Printf("Unknown command %q (want run_now, run_category, run_enrichment, pause or resume)", cmd)
		return 1
	}

	var params *models.CommandParams
	if category != "" {
		if !models.Category(category).Valid() {
			log.Printf("Unknown category %q", category)
			return 1
		}
		params = &models.CommandParams{Category: category}
	}
	if command == models.CmdRunCategory && params == nil {
		log.Printf("%s needs -category", command)
		return 1
	}

	if err := local.EnqueueCommand(command, params); err != nil {
		log.Printf("Failed to enqueue command: %v", err)
		return 1
	}
	log.Printf("Enqueued %s; the daemon picks it up within seconds", command)
	return 0
}

// printStatus lists recent runs per category from the local mirror.
func printStatus(local *storage.SQLiteStore) int {
	for _, category := range []models.Category{models.CategoryActive, models.CategorySold} {
		runs, err := local.GetRecentRuns(category, 5)
		if err != nil {
			log.Printf("Failed to read runs for %s: %v", category, err)
			return 1
		}
		if len(runs) == 0 {
			fmt.Printf("%s: no runs recorded\n", category)
			continue
		}
		fmt.Printf("%s:\n", category)
		for _, run := range runs {
			finished := "running"
			if run.FinishedAt != nil {
				finished = run.FinishedAt.Format(time.RFC3339)
			}
			fmt.Printf("  %s %s %-9s started=%s finished=%s created=%d versioned=%d unchanged=%d removed=%d invalid=%d\n",
				run.ID, run.Mode, run.State, run.StartedAt.Format(time.RFC3339), finished,
				run.Counts.Created, run.Counts.Versioned, run.Counts.Unchanged,
				run.Counts.Removed, run.Counts.Invalid)
		}
	}
	return 0
}

// printHistory dumps every stored version for one entity key.
func printHistory(ctx context.Context, store *storage.PostgresStore, entityKey string) int {
	current, err := store.GetCurrentVersion(ctx, entityKey)
	if err != nil {
		log.Printf("Failed to read current version for %s: %v", entityKey, err)
		return 1
	}
	versions, err := store.GetVersionHistory(ctx, entityKey)
	if err != nil {
		log.Printf("Failed to read history for %s: %v", entityKey, err)
		return 1
	}
	if len(versions) == 0 {
		fmt.Printf("%s: no versions\n", entityKey)
		return 1
	}

	if current != nil {
		fmt.Printf("%s: current v%d, price %d\n", entityKey, current.Version, current.Payload.Price)
	} else {
		fmt.Printf("%s: removed\n", entityKey)
	}
	for i := range versions {
		v := &versions[i]
		validTo := "open"
		if v.ValidTo != nil {
			validTo = v.ValidTo.Format(time.RFC3339)
		}
		marker := " "
		if v.Current() {
			marker = "*"
		}
		fmt.Printf("%s v%d %-11s price=%d %s -> %s\n",
			marker, v.Version, v.Status, v.Payload.Price, v.ValidFrom.Format(time.RFC3339), validTo)
	}
	return 0
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
