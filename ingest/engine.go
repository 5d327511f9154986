package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasperjunge/boligmarkedet/identity"
	"github.com/kasperjunge/boligmarkedet/models"
)

// Outcome classifies what applying one record did to the store.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeVersioned Outcome = "versioned"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeReopened: the entity had been swept as removed and reappeared;
	// versioning continues from its previous high-water mark.
	OutcomeReopened Outcome = "reopened"
)

// Engine owns every VersionedEntity transition. Each Apply call runs as one
// atomic transaction so two concurrent upserts for the same key cannot both
// observe "no current version".
type Engine struct {
	store EntityStore
}

func NewEngine(store EntityStore) *Engine {
	return &Engine{store: store}
}

// Apply upserts one normalized record. Re-applying the same record is a
// no-op (the second application reports unchanged), which is what makes
// page re-processing after a crash safe.
func (e *Engine) Apply(ctx context.Context, rec *models.ListingRecord) (Outcome, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		outcome, err := e.applyOnce(ctx, rec)
		if err == nil {
			return outcome, nil
		}
		var conflict *StorageConflict
		if !errors.As(err, &conflict) {
			return "", err
		}
		lastErr = err
	}
	// A conflict that survives a fresh read points at a modeling bug, not
	// ordinary contention.
	return "", fmt.Errorf("upsert %s: conflict persisted after retry: %w", rec.EntityKey(), lastErr)
}

func (e *Engine) applyOnce(ctx context.Context, rec *models.ListingRecord) (Outcome, error) {
	key := rec.EntityKey()
	hash := identity.PayloadHash(rec)

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin upsert %s: %w", key, err)
	}
	defer tx.Rollback(ctx)

	current, err := tx.Current(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read current %s: %w", key, err)
	}

	var outcome Outcome
	switch {
	case current == nil:
		maxVersion, err := tx.MaxVersion(ctx, key)
		if err != nil {
			return "", fmt.Errorf("read max version %s: %w", key, err)
		}
		outcome = OutcomeCreated
		if maxVersion > 0 {
			outcome = OutcomeReopened
		}
		if err := tx.Insert(ctx, e.newVersion(key, maxVersion+1, hash, rec)); err != nil {
			return "", err
		}

	case current.PayloadHash == hash:
		if err := tx.TouchLastSeen(ctx, key, rec.ObservedAt); err != nil {
			return "", err
		}
		outcome = OutcomeUnchanged

	default:
		if err := tx.Close(ctx, key, current.Version, models.VersionStatusChangedOut, rec.ObservedAt); err != nil {
			return "", err
		}
		if err := tx.Insert(ctx, e.newVersion(key, current.Version+1, hash, rec)); err != nil {
			return "", err
		}
		outcome = OutcomeVersioned
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return outcome, nil
}

func (e *Engine) newVersion(key string, version int, hash string, rec *models.ListingRecord) *models.VersionedEntity {
	return &models.VersionedEntity{
		EntityKey:   key,
		Version:     version,
		Payload:     *rec,
		PayloadHash: hash,
		Status:      models.VersionStatusActive,
		ValidFrom:   rec.ObservedAt,
		LastSeenAt:  rec.ObservedAt,
	}
}

// SweepRemoved closes every current version in the category not seen since
// the start of a complete pass. Only the active category is ever swept:
// absence from a sold pull means "not newly sold", not "gone".
func (e *Engine) SweepRemoved(ctx context.Context, category models.Category, since time.Time) (int64, error) {
	n, err := e.store.SweepRemoved(ctx, category, since)
	if err != nil {
		return 0, fmt.Errorf("removal sweep %s: %w", category, err)
	}
	return n, nil
}
