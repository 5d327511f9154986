// Package ingest holds the versioned upsert engine, the checkpoint manager
// and the per-category cycle orchestrator. Storage is consumed through the
// ports below so the engine's transaction discipline is testable without a
// database.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kasperjunge/boligmarkedet/models"
)

// StorageConflict signals a concurrent modification detected inside an
// upsert transaction. The engine retries once with a fresh read; a second
// conflict on the same record escalates and fails the run.
type StorageConflict struct {
	EntityKey string
	Err       error
}

func (e *StorageConflict) Error() string {
	return fmt.Sprintf("storage conflict on %s: %v", e.EntityKey, e.Err)
}

func (e *StorageConflict) Unwrap() error { return e.Err }

// EntityTx is one atomic upsert transaction. Reads within it are snapshot
// isolated, so Current and the subsequent writes see a consistent view.
type EntityTx interface {
	// Current returns the open version for the key, or (nil, nil) when the
	// entity has no current version.
	Current(ctx context.Context, entityKey string) (*models.VersionedEntity, error)
	// MaxVersion returns the highest stored version number for the key,
	// 0 when the entity has never been seen.
	MaxVersion(ctx context.Context, entityKey string) (int, error)
	Insert(ctx context.Context, entity *models.VersionedEntity) error
	// Close sets valid_to and the terminal status on an open version.
	Close(ctx context.Context, entityKey string, version int, status models.VersionStatus, at time.Time) error
	// TouchLastSeen bumps the sweep watermark on an unchanged current version.
	TouchLastSeen(ctx context.Context, entityKey string, at time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// EntityStore is the versioned listing store consumed by the engine.
type EntityStore interface {
	Begin(ctx context.Context) (EntityTx, error)
	// SweepRemoved closes every current version in the category whose
	// last_seen_at predates since, marking it removed. Returns the number
	// of versions closed.
	SweepRemoved(ctx context.Context, category models.Category, since time.Time) (int64, error)
}

// CheckpointStore persists run progress markers.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *models.IngestCheckpoint) error
	LoadCheckpoint(ctx context.Context, category models.Category, runID uuid.UUID) (*models.IngestCheckpoint, error)
	// LatestIncomplete returns the most recent checkpoint with
	// completed = false, or (nil, nil) when every run finished.
	LatestIncomplete(ctx context.Context, category models.Category) (*models.IngestCheckpoint, error)
	CompleteCheckpoint(ctx context.Context, category models.Category, runID uuid.UUID) error
}

// RunStore records run lifecycle and outcomes.
type RunStore interface {
	// CreateRun upserts by run ID so a resumed run flips back to running
	// without losing its original record.
	CreateRun(ctx context.Context, run *models.IngestRun) error
	FinishRun(ctx context.Context, run *models.IngestRun) error
	// GetRun returns a run by ID, or (nil, nil) when unknown.
	GetRun(ctx context.Context, id uuid.UUID) (*models.IngestRun, error)
	// LastCompleted returns the most recent completed run for the category,
	// or (nil, nil) when the category has never completed a run.
	LastCompleted(ctx context.Context, category models.Category) (*models.IngestRun, error)
}
