package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kasperjunge/boligmarkedet/models"
)

// CheckpointManager owns IngestCheckpoint lifecycle. Saves happen only
// after the page they describe has fully committed, so a checkpoint is
// never ahead of stored data.
type CheckpointManager struct {
	store CheckpointStore
	now   func() time.Time
}

func NewCheckpointManager(store CheckpointStore) *CheckpointManager {
	return &CheckpointManager{store: store, now: time.Now}
}

// Save upserts the progress marker for a run. Idempotent: re-saving the
// same cursor after a retried page changes nothing material.
func (m *CheckpointManager) Save(ctx context.Context, category models.Category, runID uuid.UUID, mode models.RunMode, cursor, recordsProcessed int) error {
	cp := &models.IngestCheckpoint{
		Category:         category,
		RunID:            runID,
		Cursor:           cursor,
		RecordsProcessed: recordsProcessed,
		RunMode:          mode,
		LastSuccessAt:    m.now(),
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", category, runID, err)
	}
	return nil
}

// Load returns the checkpoint for a specific run, or (nil, nil) when none
// exists.
func (m *CheckpointManager) Load(ctx context.Context, category models.Category, runID uuid.UUID) (*models.IngestCheckpoint, error) {
	cp, err := m.store.LoadCheckpoint(ctx, category, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", category, runID, err)
	}
	return cp, nil
}

// LatestIncomplete returns the newest resumable checkpoint for a category.
// Completed checkpoints are retained for audit but never offered here.
func (m *CheckpointManager) LatestIncomplete(ctx context.Context, category models.Category) (*models.IngestCheckpoint, error) {
	cp, err := m.store.LatestIncomplete(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("find incomplete checkpoint %s: %w", category, err)
	}
	return cp, nil
}

// Complete marks a run's checkpoint finished, excluding it from resume.
func (m *CheckpointManager) Complete(ctx context.Context, category models.Category, runID uuid.UUID) error {
	if err := m.store.CompleteCheckpoint(ctx, category, runID); err != nil {
		return fmt.Errorf("complete checkpoint %s/%s: %w", category, runID, err)
	}
	return nil
}
