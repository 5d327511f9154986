package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kasperjunge/boligmarkedet/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCommandQueueRoundtrip(t *testing.T) {
	store := newTestStore(t)

	if err := store.EnqueueCommand(models.CmdPause, &models.CommandParams{Category: "active"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := store.EnqueueCommand(models.CmdRunNow, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	cmds, err := store.GetPendingCommands()
	if err != nil {
		t.Fatalf("get pending failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 pending commands, got %d", len(cmds))
	}
	if cmds[0].Command != models.CmdPause || cmds[1].Command != models.CmdRunNow {
		t.Fatalf("commands out of enqueue order: %s, %s", cmds[0].Command, cmds[1].Command)
	}

	params, err := store.ParseCommandParams(&cmds[0])
	if err != nil {
		t.Fatalf("parse params failed: %v", err)
	}
	if params.Category != "active" {
		t.Fatalf("expected category active, got %q", params.Category)
	}
	if params, err := store.ParseCommandParams(&cmds[1]); err != nil || params.Category != "" {
		t.Fatalf("paramless command must parse empty, got %+v (%v)", params, err)
	}

	if err := store.MarkCommandProcessed(cmds[0].ID); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}
	cmds, err = store.GetPendingCommands()
	if err != nil {
		t.Fatalf("get pending failed: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Command != models.CmdRunNow {
		t.Fatalf("expected only run_now pending, got %+v", cmds)
	}
}

func TestRunMirrorKeepsRunTimes(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	finished := started.Add(45 * time.Minute)

	run := &models.IngestRun{
		ID:        uuid.New(),
		Category:  models.CategoryActive,
		Mode:      models.RunModeBulk,
		State:     models.RunStatePaused,
		StartedAt: started,
		Counts:    models.RunCounts{Created: 10, Pages: 2, Records: 10},
	}
	if err := store.RecordRun(run); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// The resumed run finishes and overwrites the mirror row in place.
	run.State = models.RunStateCompleted
	run.FinishedAt = &finished
	run.Counts.Created = 15
	if err := store.RecordRun(run); err != nil {
		t.Fatalf("re-record failed: %v", err)
	}

	runs, err := store.GetRecentRuns(models.CategoryActive, 5)
	if err != nil {
		t.Fatalf("get recent failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 mirrored run, got %d", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || got.State != models.RunStateCompleted {
		t.Fatalf("unexpected run: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("mirror must keep the run's own start time, got %s", got.StartedAt)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("unexpected finish time: %v", got.FinishedAt)
	}
	if got.Counts.Created != 15 {
		t.Fatalf("unexpected counts: %+v", got.Counts)
	}

	last, err := store.GetLastRunTime(models.CategoryActive)
	if err != nil || !last.Equal(started) {
		t.Fatalf("unexpected last run time %s (%v)", last, err)
	}
	if last, err := store.GetLastRunTime(models.CategorySold); err != nil || !last.IsZero() {
		t.Fatalf("empty category must report zero time, got %s (%v)", last, err)
	}
}
