package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kasperjunge/boligmarkedet/boliga"
	"github.com/kasperjunge/boligmarkedet/models"
	"github.com/kasperjunge/boligmarkedet/normalize"
)

// ErrNoCheckpoint is returned by Resume when the category has no
// resumable checkpoint.
var ErrNoCheckpoint = errors.New("no resumable checkpoint")

// RunResult is what a finished cycle reports to the caller. A paused run is
// distinguishable from a completed one so the scheduler knows whether to
// resume later or move on.
type RunResult struct {
	RunID      uuid.UUID
	Mode       models.RunMode
	State      models.RunState
	Counts     models.RunCounts
	StartedAt  time.Time
	FinishedAt *time.Time
	Err        error
}

// Orchestrator drives one category's ingestion cycles. Each category gets
// its own instance with its own run lifecycle; instances share nothing but
// the fetcher's token bucket, so active and sold can run concurrently.
type Orchestrator struct {
	category    models.Category
	walker      *boliga.Walker
	engine      *Engine
	checkpoints *CheckpointManager
	runs        RunStore
	soldOverlap time.Duration
	stopped     atomic.Bool
	now         func() time.Time
}

// DefaultSoldOverlap pads the incremental sold window so listings sold
// around the previous run's start are never missed.
const DefaultSoldOverlap = 7 * 24 * time.Hour

func NewOrchestrator(category models.Category, walker *boliga.Walker, engine *Engine, checkpoints *CheckpointManager, runs RunStore, soldOverlap time.Duration) *Orchestrator {
	if soldOverlap <= 0 {
		soldOverlap = DefaultSoldOverlap
	}
	return &Orchestrator{
		category:    category,
		walker:      walker,
		engine:      engine,
		checkpoints: checkpoints,
		runs:        runs,
		soldOverlap: soldOverlap,
		now:         time.Now,
	}
}

// Stop requests a cooperative stop. It is honored between pages, never
// mid-transaction, so storage and checkpoint stay consistent.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// Run picks what the category needs next: an interrupted run is resumed
// from its checkpoint, a category that has never completed a run gets a
// bulk walk, anything else an incremental refresh. A paused run is never
// restarted from page 1.
func (o *Orchestrator) Run(ctx context.Context) RunResult {
	cp, err := o.checkpoints.LatestIncomplete(ctx, o.category)
	if err != nil {
		return RunResult{State: models.RunStateFailed, Err: err}
	}
	if cp != nil {
		return o.Resume(ctx, cp.RunID)
	}

	last, err := o.runs.LastCompleted(ctx, o.category)
	if err != nil {
		return RunResult{State: models.RunStateFailed, Err: fmt.Errorf("look up last run for %s: %w", o.category, err)}
	}
	if last == nil {
		return o.RunBulk(ctx)
	}
	return o.RunIncremental(ctx)
}

// RunBulk walks the full category population with no date filter.
func (o *Orchestrator) RunBulk(ctx context.Context) RunResult {
	run := o.newRun(models.RunModeBulk)
	return o.execute(ctx, run, boliga.SearchFilter{}, boliga.FirstPage, 0)
}

// RunIncremental refreshes the category. The active category is small
// enough to re-walk fully every cycle, which is also what makes the removal
// sweep sound. The sold category is filtered by salesDateMin derived from
// the last completed run.
func (o *Orchestrator) RunIncremental(ctx context.Context) RunResult {
	run := o.newRun(models.RunModeIncremental)
	filter, err := o.incrementalFilter(ctx)
	if err != nil {
		return RunResult{RunID: run.ID, State: models.RunStateFailed, Err: err}
	}
	return o.execute(ctx, run, filter, boliga.FirstPage, 0)
}

// Resume continues a paused run from its saved checkpoint. A zero runID
// resumes the newest incomplete checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID uuid.UUID) RunResult {
	var cp *models.IngestCheckpoint
	var err error
	if runID == uuid.Nil {
		cp, err = o.checkpoints.LatestIncomplete(ctx, o.category)
	} else {
		cp, err = o.checkpoints.Load(ctx, o.category, runID)
	}
	if err != nil {
		return RunResult{State: models.RunStateFailed, Err: err}
	}
	if cp == nil || cp.Completed {
		return RunResult{State: models.RunStateFailed, Err: fmt.Errorf("%s: %w", o.category, ErrNoCheckpoint)}
	}

	run := o.newRun(cp.RunMode)
	run.ID = cp.RunID
	// Keep the original start time so the removal sweep does not flag
	// entities committed before the pause.
	if orig, err := o.runs.GetRun(ctx, cp.RunID); err != nil {
		return RunResult{RunID: run.ID, State: models.RunStateFailed, Err: err}
	} else if orig != nil {
		run.StartedAt = orig.StartedAt
	}

	filter := boliga.SearchFilter{}
	if cp.RunMode == models.RunModeIncremental {
		filter, err = o.incrementalFilter(ctx)
		if err != nil {
			return RunResult{RunID: run.ID, State: models.RunStateFailed, Err: err}
		}
	}

	log.Printf("Orchestrator: resuming %s run %s from page %d (%d records already processed)",
		o.category, run.ID, cp.Cursor, cp.RecordsProcessed)
	return o.execute(ctx, run, filter, cp.Cursor, cp.RecordsProcessed)
}

func (o *Orchestrator) newRun(mode models.RunMode) *models.IngestRun {
	return &models.IngestRun{
		ID:        uuid.New(),
		Category:  o.category,
		Mode:      mode,
		State:     models.RunStateRunning,
		StartedAt: o.now(),
	}
}

func (o *Orchestrator) incrementalFilter(ctx context.Context) (boliga.SearchFilter, error) {
	if o.category != models.CategorySold {
		return boliga.SearchFilter{}, nil
	}
	last, err := o.runs.LastCompleted(ctx, o.category)
	if err != nil {
		return boliga.SearchFilter{}, fmt.Errorf("derive sold window for %s: %w", o.category, err)
	}
	if last == nil {
		return boliga.SearchFilter{}, nil
	}
	return boliga.SearchFilter{SalesDateMin: last.StartedAt.Add(-o.soldOverlap)}, nil
}

// execute is the RUNNING state: walk, normalize, upsert, checkpoint, page
// by page. One page is in flight at a time so every checkpoint save happens
// strictly after the page it describes has committed.
func (o *Orchestrator) execute(ctx context.Context, run *models.IngestRun, filter boliga.SearchFilter, startCursor, recordsProcessed int) RunResult {
	o.stopped.Store(false)

	if err := o.runs.CreateRun(ctx, run); err != nil {
		return RunResult{RunID: run.ID, State: models.RunStateFailed, Err: fmt.Errorf("record run start: %w", err)}
	}
	if err := o.checkpoints.Save(ctx, o.category, run.ID, run.Mode, startCursor, recordsProcessed); err != nil {
		return o.finish(ctx, run, models.RunStateFailed, err)
	}

	log.Printf("Orchestrator: %s %s run %s starting at page %d", o.category, run.Mode, run.ID, startCursor)
	iter := o.walker.Pages(o.category, filter, startCursor)

	for {
		if o.stopped.Load() {
			log.Printf("Orchestrator: %s run %s stopping on request after page %d", o.category, run.ID, iter.Cursor()-1)
			return o.finish(ctx, run, models.RunStatePaused, nil)
		}

		page, err := iter.Next(ctx)
		if err != nil {
			if boliga.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Printf("Orchestrator: %s run %s pausing: %v", o.category, run.ID, err)
				return o.finish(ctx, run, models.RunStatePaused, err)
			}
			return o.finish(ctx, run, models.RunStateFailed, err)
		}
		if page == nil {
			break
		}

		if err := o.applyPage(ctx, run, page); err != nil {
			return o.finish(ctx, run, models.RunStateFailed, err)
		}

		recordsProcessed += len(page.Records)
		if err := o.checkpoints.Save(ctx, o.category, run.ID, run.Mode, iter.Cursor(), recordsProcessed); err != nil {
			return o.finish(ctx, run, models.RunStateFailed, err)
		}
	}

	// Sweep only after a complete pass, and only for the fully re-fetched
	// active category.
	if o.category == models.CategoryActive {
		removed, err := o.engine.SweepRemoved(ctx, o.category, run.StartedAt)
		if err != nil {
			return o.finish(ctx, run, models.RunStateFailed, err)
		}
		run.Counts.Removed += int(removed)
		if removed > 0 {
			log.Printf("Orchestrator: %s run %s swept %d removed listings", o.category, run.ID, removed)
		}
	}

	if err := o.checkpoints.Complete(ctx, o.category, run.ID); err != nil {
		return o.finish(ctx, run, models.RunStateFailed, err)
	}
	return o.finish(ctx, run, models.RunStateCompleted, nil)
}

func (o *Orchestrator) applyPage(ctx context.Context, run *models.IngestRun, page *boliga.Page) error {
	observed := o.now()
	for _, raw := range page.Records {
		rec, issue := normalize.Record(raw, o.category, observed)
		if issue != nil {
			run.Counts.Invalid++
			log.Printf("Orchestrator: %s page %d: skipping invalid record: %v", o.category, page.Cursor, issue)
			continue
		}

		outcome, err := o.engine.Apply(ctx, rec)
		if err != nil {
			return fmt.Errorf("page %d: %w", page.Cursor, err)
		}
		switch outcome {
		case OutcomeCreated, OutcomeReopened:
			run.Counts.Created++
		case OutcomeVersioned:
			run.Counts.Versioned++
		case OutcomeUnchanged:
			run.Counts.Unchanged++
		}
	}

	run.Counts.Pages++
	run.Counts.Records += len(page.Records)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, run *models.IngestRun, state models.RunState, cause error) RunResult {
	now := o.now()
	run.State = state
	run.FinishedAt = &now
	if cause != nil {
		run.ErrorMessage = cause.Error()
	}
	if err := o.runs.FinishRun(ctx, run); err != nil {
		log.Printf("Orchestrator: failed to record %s run %s finish: %v", o.category, run.ID, err)
	}

	log.Printf("Orchestrator: %s run %s %s: %d created, %d versioned, %d unchanged, %d removed, %d invalid over %d pages",
		o.category, run.ID, state, run.Counts.Created, run.Counts.Versioned, run.Counts.Unchanged,
		run.Counts.Removed, run.Counts.Invalid, run.Counts.Pages)

	return RunResult{
		RunID:      run.ID,
		Mode:       run.Mode,
		State:      state,
		Counts:     run.Counts,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Err:        cause,
	}
}
