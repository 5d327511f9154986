package workers

import (
	"context"
	"log"
	"time"

	"github.com/kasperjunge/boligmarkedet/boliga"
	"github.com/kasperjunge/boligmarkedet/models"
	"github.com/kasperjunge/boligmarkedet/storage"
)

// EnrichmentWorker backfills full estate detail payloads for current
// versions the search endpoints created. Enrichment is best effort: a
// listing that keeps failing is skipped once its attempt budget is spent,
// and the ingest pipeline never waits for it.
type EnrichmentWorker struct {
	store       *storage.PostgresStore
	client      *boliga.Client
	maxAttempts int
	triggerCh   chan struct{}
}

func NewEnrichmentWorker(store *storage.PostgresStore, client *boliga.Client, maxAttempts int) *EnrichmentWorker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &EnrichmentWorker{
		store:       store,
		client:      client,
		maxAttempts: maxAttempts,
		triggerCh:   make(chan struct{}, 1),
	}
}

// Trigger causes the worker to process a batch immediately.
func (w *EnrichmentWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *EnrichmentWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Enrichment worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx, batchSize)
		case <-w.triggerCh:
			w.processBatch(ctx, batchSize)
		}
	}
}

func (w *EnrichmentWorker) processBatch(ctx context.Context, batchSize int) {
	versions, err := w.store.GetUnenriched(ctx, w.maxAttempts, batchSize)
	if err != nil {
		log.Printf("Enrichment: failed to list pending versions: %v", err)
		return
	}
	if len(versions) == 0 {
		return
	}

	log.Printf("Enrichment: processing %d listings", len(versions))
	enriched := 0
	for i := range versions {
		if ctx.Err() != nil {
			return
		}
		if w.enrichOne(ctx, &versions[i]) {
			enriched++
		}
	}
	log.Printf("Enrichment: batch done, %d/%d enriched", enriched, len(versions))
}

func (w *EnrichmentWorker) enrichOne(ctx context.Context, v *models.VersionedEntity) bool {
	details, err := w.client.EstateDetails(ctx, v.Payload.SourceID)
	if err != nil {
		log.Printf("Enrichment: %s: %v", v.EntityKey, err)
		if err := w.store.BumpEnrichmentAttempt(ctx, v.ID); err != nil {
			log.Printf("Enrichment: %s: failed to record attempt: %v", v.EntityKey, err)
		}
		return false
	}

	if err := w.store.SetDetails(ctx, v.ID, details); err != nil {
		log.Printf("Enrichment: %s: failed to store details: %v", v.EntityKey, err)
		return false
	}
	return true
}
