package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kasperjunge/boligmarkedet/config"
	"github.com/kasperjunge/boligmarkedet/ingest"
	"github.com/kasperjunge/boligmarkedet/models"
	"github.com/kasperjunge/boligmarkedet/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// resumeDelay is how long a paused run sits before the resume poll picks
// it up.
const resumeDelay = 15 * time.Minute

// Scheduler drives the per-category orchestrators: cron or interval
// refreshes, the operator command queue, and automatic resume of paused
// runs.
type Scheduler struct {
	cfg           *config.Config
	orchestrators map[models.Category]*ingest.Orchestrator
	checkpoints   ingest.CheckpointStore
	local         *storage.SQLiteStore
	cron          *cron.Cron
	ticker        *time.Ticker
	stopCh        chan struct{}

	enrichmentWorker Triggerable

	mu      sync.Mutex
	running map[models.Category]bool
	paused  map[models.Category]bool
}

func New(cfg *config.Config, orchestrators map[models.Category]*ingest.Orchestrator, checkpoints ingest.CheckpointStore, local *storage.SQLiteStore) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		orchestrators: orchestrators,
		checkpoints:   checkpoints,
		local:         local,
		cron:          cron.New(),
		stopCh:        make(chan struct{}),
		running:       make(map[models.Category]bool),
		paused:        make(map[models.Category]bool),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(enrichment Triggerable) {
	s.enrichmentWorker = enrichment
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)
	go s.pollResumes(ctx)

	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			s.RunAll(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.RunAll(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only respond to commands")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	for category, orch := range s.orchestrators {
		log.Printf("Requesting stop for %s", category)
		orch.Stop()
	}
	close(s.stopCh)
}

// RunAll kicks off a cycle for every enabled category. Categories run
// concurrently with each other; each category is sequential with itself.
func (s *Scheduler) RunAll(ctx context.Context) {
	for category := range s.orchestrators {
		go s.runCategory(ctx, category, func(o *ingest.Orchestrator) ingest.RunResult {
			return o.Run(ctx)
		})
	}
}

func (s *Scheduler) runCategory(ctx context.Context, category models.Category, fn func(*ingest.Orchestrator) ingest.RunResult) {
	orch, ok := s.orchestrators[category]
	if !ok {
		log.Printf("No orchestrator for category %q", category)
		return
	}

	s.mu.Lock()
	if s.running[category] || s.paused[category] {
		s.mu.Unlock()
		log.Printf("Skipping %s run (running=%v paused=%v)", category, s.running[category], s.paused[category])
		return
	}
	s.running[category] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[category] = false
		s.mu.Unlock()
	}()

	result := fn(orch)
	s.mirrorRun(category, result)
}

// mirrorRun copies the run outcome into the local operational store so the
// daemon's history is inspectable without Postgres access. The run's own
// timestamps are mirrored, so a resumed run keeps its original start time.
func (s *Scheduler) mirrorRun(category models.Category, result ingest.RunResult) {
	if result.RunID == uuid.Nil {
		return
	}
	started := result.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	finished := result.FinishedAt
	if finished == nil {
		now := time.Now()
		finished = &now
	}
	run := &models.IngestRun{
		ID:         result.RunID,
		Category:   category,
		Mode:       result.Mode,
		State:      result.State,
		StartedAt:  started,
		FinishedAt: finished,
		Counts:     result.Counts,
	}
	if result.Err != nil {
		run.ErrorMessage = result.Err.Error()
	}
	if err := s.local.RecordRun(run); err != nil {
		log.Printf("Error mirroring %s run %s: %v", category, result.RunID, err)
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cmds, err := s.local.GetPendingCommands()
			if err != nil {
				log.Printf("Error getting commands: %v", err)
				continue
			}

			for _, cmd := range cmds {
				log.Printf("Processing command: %s", cmd.Command)
				if err := s.handleCommand(ctx, &cmd); err != nil {
					log.Printf("Command error: %v", err)
				}
				if err := s.local.MarkCommandProcessed(cmd.ID); err != nil {
					log.Printf("Error marking command processed: %v", err)
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := s.local.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdRunNow:
		s.RunAll(ctx)
		return nil

	case models.CmdRunCategory:
		category := models.Category(params.Category)
		if !category.Valid() {
			return fmt.Errorf("unknown category %q", params.Category)
		}
		go s.runCategory(ctx, category, func(o *ingest.Orchestrator) ingest.RunResult {
			return o.Run(ctx)
		})
		return nil

	case models.CmdRunEnrichment:
		if s.enrichmentWorker != nil {
			s.enrichmentWorker.Trigger()
			log.Println("Enrichment worker triggered via command")
		}
		return nil

	case models.CmdPause:
		return s.pauseCategories(params.Category)

	case models.CmdResume:
		return s.resumeCategories(ctx, params.Category)

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func (s *Scheduler) pauseCategories(category string) error {
	for cat, orch := range s.orchestrators {
		if category != "" && string(cat) != category {
			continue
		}
		s.mu.Lock()
		s.paused[cat] = true
		s.mu.Unlock()
		orch.Stop()
		log.Printf("Paused %s", cat)
	}
	return nil
}

func (s *Scheduler) resumeCategories(ctx context.Context, category string) error {
	for cat := range s.orchestrators {
		if category != "" && string(cat) != category {
			continue
		}
		s.mu.Lock()
		s.paused[cat] = false
		s.mu.Unlock()
		go s.runCategory(ctx, cat, func(o *ingest.Orchestrator) ingest.RunResult {
			return o.Resume(ctx, uuid.Nil)
		})
		log.Printf("Resumed %s", cat)
	}
	return nil
}

// pollResumes finds runs that paused on transient upstream trouble and
// retries them once they have cooled off.
func (s *Scheduler) pollResumes(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for category := range s.orchestrators {
				s.maybeResume(ctx, category)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) maybeResume(ctx context.Context, category models.Category) {
	s.mu.Lock()
	busy := s.running[category] || s.paused[category]
	s.mu.Unlock()
	if busy {
		return
	}

	cp, err := s.checkpoints.LatestIncomplete(ctx, category)
	if err != nil {
		log.Printf("Error checking resumable runs for %s: %v", category, err)
		return
	}
	if cp == nil {
		return
	}

	lastRun, err := s.local.GetLastRunTime(category)
	if err != nil {
		log.Printf("Error getting last run time for %s: %v", category, err)
		return
	}
	if time.Since(lastRun) < resumeDelay {
		return
	}

	log.Printf("Resuming interrupted %s run %s from page %d", category, cp.RunID, cp.Cursor)
	go s.runCategory(ctx, category, func(o *ingest.Orchestrator) ingest.RunResult {
		return o.Resume(ctx, cp.RunID)
	})
}
