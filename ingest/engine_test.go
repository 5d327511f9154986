package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kasperjunge/boligmarkedet/models"
)

// fakeEntityStore is an in-memory EntityStore with buffered transactions
// and injectable commit conflicts.
type fakeEntityStore struct {
	mu             sync.Mutex
	versions       map[string][]*models.VersionedEntity
	commitFailures int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{versions: make(map[string][]*models.VersionedEntity)}
}

func (s *fakeEntityStore) Begin(ctx context.Context) (EntityTx, error) {
	return &fakeTx{store: s}, nil
}

func (s *fakeEntityStore) SweepRemoved(ctx context.Context, category models.Category, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed int64
	for _, vs := range s.versions {
		for _, v := range vs {
			if v.ValidTo == nil && v.Payload.Category == category && v.LastSeenAt.Before(since) {
				at := since
				v.ValidTo = &at
				v.Status = models.VersionStatusRemoved
				closed++
			}
		}
	}
	return closed, nil
}

func (s *fakeEntityStore) current(key string) *models.VersionedEntity {
	for _, v := range s.versions[key] {
		if v.ValidTo == nil {
			return v
		}
	}
	return nil
}

type closeOp struct {
	key     string
	version int
	status  models.VersionStatus
	at      time.Time
}

type touchOp struct {
	key string
	at  time.Time
}

type fakeTx struct {
	store   *fakeEntityStore
	inserts []*models.VersionedEntity
	closes  []closeOp
	touches []touchOp
}

func (tx *fakeTx) Current(ctx context.Context, key string) (*models.VersionedEntity, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if v := tx.store.current(key); v != nil {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (tx *fakeTx) MaxVersion(ctx context.Context, key string) (int, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	max := 0
	for _, v := range tx.store.versions[key] {
		if v.Version > max {
			max = v.Version
		}
	}
	return max, nil
}

func (tx *fakeTx) Insert(ctx context.Context, entity *models.VersionedEntity) error {
	cp := *entity
	tx.inserts = append(tx.inserts, &cp)
	return nil
}

func (tx *fakeTx) Close(ctx context.Context, key string, version int, status models.VersionStatus, at time.Time) error {
	tx.closes = append(tx.closes, closeOp{key, version, status, at})
	return nil
}

func (tx *fakeTx) TouchLastSeen(ctx context.Context, key string, at time.Time) error {
	tx.touches = append(tx.touches, touchOp{key, at})
	return nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.store.commitFailures > 0 {
		tx.store.commitFailures--
		key := ""
		if len(tx.inserts) > 0 {
			key = tx.inserts[0].EntityKey
		}
		return &StorageConflict{EntityKey: key, Err: fmt.Errorf("simulated concurrent write")}
	}
	for _, op := range tx.closes {
		for _, v := range tx.store.versions[op.key] {
			if v.Version == op.version {
				at := op.at
				v.ValidTo = &at
				v.Status = op.status
			}
		}
	}
	for _, op := range tx.touches {
		if v := tx.store.current(op.key); v != nil {
			v.LastSeenAt = op.at
		}
	}
	for _, e := range tx.inserts {
		tx.store.versions[e.EntityKey] = append(tx.store.versions[e.EntityKey], e)
	}
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.inserts, tx.closes, tx.touches = nil, nil, nil
	return nil
}

func soldRecord(id, price int64, observed time.Time) *models.ListingRecord {
	sold := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return &models.ListingRecord{
		SourceID:   id,
		Category:   models.CategorySold,
		Price:      price,
		Address:    fmt.Sprintf("Testvej %d", id),
		City:       "Odense",
		ZipCode:    5000,
		SoldDate:   &sold,
		ObservedAt: observed,
	}
}

func activeRecord(id, price int64, observed time.Time) *models.ListingRecord {
	return &models.ListingRecord{
		SourceID:   id,
		Category:   models.CategoryActive,
		Price:      price,
		Address:    fmt.Sprintf("Testvej %d", id),
		City:       "Odense",
		ZipCode:    5000,
		ObservedAt: observed,
	}
}

func TestApply_CreateVersionUnchanged(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	outcome, err := engine.Apply(ctx, soldRecord(12345, 2000000, t0))
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("expected created, got %s", outcome)
	}
	v1 := store.current("sold:12345")
	if v1 == nil || v1.Version != 1 || v1.Payload.Price != 2000000 {
		t.Fatalf("unexpected version 1: %+v", v1)
	}

	outcome, err = engine.Apply(ctx, soldRecord(12345, 1950000, t0.Add(time.Hour)))
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if outcome != OutcomeVersioned {
		t.Fatalf("expected versioned, got %s", outcome)
	}
	cur := store.current("sold:12345")
	if cur.Version != 2 || cur.Payload.Price != 1950000 {
		t.Fatalf("unexpected version 2: %+v", cur)
	}
	old := store.versions["sold:12345"][0]
	if old.ValidTo == nil || old.Status != models.VersionStatusChangedOut {
		t.Fatalf("version 1 not closed out: %+v", old)
	}

	outcome, err = engine.Apply(ctx, soldRecord(12345, 1950000, t0.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("third apply failed: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %s", outcome)
	}
	if len(store.versions["sold:12345"]) != 2 {
		t.Fatalf("expected 2 stored versions, got %d", len(store.versions["sold:12345"]))
	}
	if !store.current("sold:12345").LastSeenAt.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("unchanged apply must touch last seen")
	}
}

func TestApply_Idempotent(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()
	rec := activeRecord(77, 3500000, time.Now())

	if outcome, _ := engine.Apply(ctx, rec); outcome != OutcomeCreated {
		t.Fatalf("expected created on first apply, got %s", outcome)
	}
	outcome, err := engine.Apply(ctx, rec)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("re-applying an identical record must be unchanged, got %s", outcome)
	}
	if n := len(store.versions["active:77"]); n != 1 {
		t.Fatalf("expected exactly 1 stored version, got %d", n)
	}
}

func TestApply_VersionMonotonicity(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()
	t0 := time.Now()

	for i := 0; i < 5; i++ {
		price := int64(1000000 + i*50000)
		if _, err := engine.Apply(ctx, activeRecord(9, price, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}

	vs := store.versions["active:9"]
	if len(vs) != 5 {
		t.Fatalf("expected 5 versions, got %d", len(vs))
	}
	open := 0
	for i, v := range vs {
		if v.Version != i+1 {
			t.Fatalf("versions must be gapless from 1: got %d at index %d", v.Version, i)
		}
		if v.ValidTo == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("exactly one version may be current, got %d", open)
	}
}

func TestApply_ReopenedAfterRemoval(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := engine.Apply(ctx, activeRecord(5, 2500000, t0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	removed, err := engine.SweepRemoved(ctx, models.CategoryActive, t0.Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 swept, got %d (%v)", removed, err)
	}
	if store.current("active:5") != nil {
		t.Fatalf("swept entity must have no current version")
	}

	outcome, err := engine.Apply(ctx, activeRecord(5, 2500000, t0.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	if outcome != OutcomeReopened {
		t.Fatalf("expected reopened, got %s", outcome)
	}
	cur := store.current("active:5")
	if cur == nil || cur.Version != 2 {
		t.Fatalf("reopened entity must continue its version sequence, got %+v", cur)
	}
}

func TestApply_ConflictRetriedOnceThenEscalated(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()

	store.commitFailures = 1
	outcome, err := engine.Apply(ctx, activeRecord(1, 1000000, time.Now()))
	if err != nil {
		t.Fatalf("single conflict must be retried and succeed: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("expected created after retry, got %s", outcome)
	}

	store.commitFailures = 2
	if _, err := engine.Apply(ctx, activeRecord(2, 1000000, time.Now())); err == nil {
		t.Fatalf("repeated conflict must escalate")
	}
}

func TestSweepRemoved_Scope(t *testing.T) {
	store := newFakeEntityStore()
	engine := NewEngine(store)
	ctx := context.Background()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := engine.Apply(ctx, activeRecord(1, 1000000, t0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := engine.Apply(ctx, activeRecord(2, 2000000, t0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := engine.Apply(ctx, soldRecord(3, 3000000, t0)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Entity 1 is seen again during the pass; 2 is not. The sold entity is
	// outside the swept category entirely.
	if _, err := engine.Apply(ctx, activeRecord(1, 1000000, t0.Add(time.Hour))); err != nil {
		t.Fatalf("touch apply failed: %v", err)
	}

	removed, err := engine.SweepRemoved(ctx, models.CategoryActive, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if store.current("active:1") == nil {
		t.Fatalf("touched entity must survive the sweep")
	}
	if v := store.current("active:2"); v != nil {
		t.Fatalf("untouched entity must be closed, still current: %+v", v)
	}
	gone := store.versions["active:2"][0]
	if gone.Status != models.VersionStatusRemoved {
		t.Fatalf("expected removed status, got %s", gone.Status)
	}
	if store.current("sold:3") == nil {
		t.Fatalf("sweeping active must never touch sold entities")
	}
}
