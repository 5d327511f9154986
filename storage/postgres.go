package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasperjunge/boligmarkedet/ingest"
	"github.com/kasperjunge/boligmarkedet/models"
)

// PostgresStore is the durable listing store. It backs every ingest port:
// versioned entities, checkpoints and run history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ ingest.EntityStore     = (*PostgresStore)(nil)
	_ ingest.CheckpointStore = (*PostgresStore)(nil)
	_ ingest.RunStore        = (*PostgresStore)(nil)
)

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listing_versions (
		id BIGSERIAL PRIMARY KEY,
		entity_key TEXT NOT NULL,
		version INT NOT NULL,
		payload JSONB NOT NULL,
		payload_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_to TIMESTAMPTZ,
		last_seen_at TIMESTAMPTZ NOT NULL,
		details JSONB,
		enrichment_attempts INT NOT NULL DEFAULT 0,
		UNIQUE (entity_key, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_current
		ON listing_versions (entity_key) WHERE valid_to IS NULL;
	CREATE INDEX IF NOT EXISTS idx_versions_sweep
		ON listing_versions (last_seen_at) WHERE valid_to IS NULL;

	CREATE TABLE IF NOT EXISTS ingest_checkpoints (
		category TEXT NOT NULL,
		run_id UUID NOT NULL,
		page_cursor INT NOT NULL,
		records_processed INT NOT NULL DEFAULT 0,
		run_mode TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		last_success_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (category, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_incomplete
		ON ingest_checkpoints (category, last_success_at) WHERE NOT completed;

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id UUID PRIMARY KEY,
		category TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		created INT NOT NULL DEFAULT 0,
		versioned INT NOT NULL DEFAULT 0,
		unchanged INT NOT NULL DEFAULT 0,
		removed INT NOT NULL DEFAULT 0,
		invalid INT NOT NULL DEFAULT 0,
		pages INT NOT NULL DEFAULT 0,
		records INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON ingest_runs (category, state, started_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// conflictErr maps unique violations and serialization failures onto the
// engine's conflict type so it can retry with a fresh read.
func conflictErr(entityKey string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "40001") {
		return &ingest.StorageConflict{EntityKey: entityKey, Err: err}
	}
	return err
}

// =============================================================================
// Listing versions
// =============================================================================

type entityTx struct {
	tx pgx.Tx
	// first key written in this tx, for conflict attribution
	key string
}

func (s *PostgresStore) Begin(ctx context.Context) (ingest.EntityTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &entityTx{tx: tx}, nil
}

func (t *entityTx) Current(ctx context.Context, entityKey string) (*models.VersionedEntity, error) {
	query := `
		SELECT id, entity_key, version, payload, payload_hash, status,
			valid_from, valid_to, last_seen_at, details, enrichment_attempts
		FROM listing_versions
		WHERE entity_key = $1 AND valid_to IS NULL`

	v, err := scanVersion(t.tx.QueryRow(ctx, query, entityKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *entityTx) MaxVersion(ctx context.Context, entityKey string) (int, error) {
	var max int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM listing_versions WHERE entity_key = $1`,
		entityKey,
	).Scan(&max)
	return max, err
}

func (t *entityTx) Insert(ctx context.Context, e *models.VersionedEntity) error {
	if t.key == "" {
		t.key = e.EntityKey
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload %s: %w", e.EntityKey, err)
	}

	query := `
		INSERT INTO listing_versions (
			entity_key, version, payload, payload_hash, status,
			valid_from, valid_to, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err = t.tx.QueryRow(ctx, query,
		e.EntityKey, e.Version, payload, e.PayloadHash, e.Status,
		e.ValidFrom, e.ValidTo, e.LastSeenAt,
	).Scan(&e.ID)
	if err != nil {
		return conflictErr(e.EntityKey, err)
	}
	return nil
}

func (t *entityTx) Close(ctx context.Context, entityKey string, version int, status models.VersionStatus, at time.Time) error {
	if t.key == "" {
		t.key = entityKey
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE listing_versions SET valid_to = $3, status = $4
		 WHERE entity_key = $1 AND version = $2 AND valid_to IS NULL`,
		entityKey, version, at, status,
	)
	if err != nil {
		return conflictErr(entityKey, err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else closed it since our read.
		return &ingest.StorageConflict{EntityKey: entityKey, Err: fmt.Errorf("version %d no longer current", version)}
	}
	return nil
}

func (t *entityTx) TouchLastSeen(ctx context.Context, entityKey string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE listing_versions SET last_seen_at = $2
		 WHERE entity_key = $1 AND valid_to IS NULL`,
		entityKey, at,
	)
	return err
}

func (t *entityTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return conflictErr(t.key, err)
	}
	return nil
}

func (t *entityTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

func (s *PostgresStore) SweepRemoved(ctx context.Context, category models.Category, since time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listing_versions SET valid_to = $2, status = 'removed'
		 WHERE valid_to IS NULL AND last_seen_at < $2
		   AND split_part(entity_key, ':', 1) = $1`,
		string(category), since,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetCurrentVersion returns the open version for an entity key, or nil.
func (s *PostgresStore) GetCurrentVersion(ctx context.Context, entityKey string) (*models.VersionedEntity, error) {
	query := `
		SELECT id, entity_key, version, payload, payload_hash, status,
			valid_from, valid_to, last_seen_at, details, enrichment_attempts
		FROM listing_versions
		WHERE entity_key = $1 AND valid_to IS NULL`

	v, err := scanVersion(s.pool.QueryRow(ctx, query, entityKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVersionHistory returns every stored version for an entity key, oldest
// first.
func (s *PostgresStore) GetVersionHistory(ctx context.Context, entityKey string) ([]models.VersionedEntity, error) {
	query := `
		SELECT id, entity_key, version, payload, payload_hash, status,
			valid_from, valid_to, last_seen_at, details, enrichment_attempts
		FROM listing_versions
		WHERE entity_key = $1
		ORDER BY version`

	rows, err := s.pool.Query(ctx, query, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.VersionedEntity
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*models.VersionedEntity, error) {
	var v models.VersionedEntity
	var payload, details []byte
	err := row.Scan(
		&v.ID, &v.EntityKey, &v.Version, &payload, &v.PayloadHash, &v.Status,
		&v.ValidFrom, &v.ValidTo, &v.LastSeenAt, &details, &v.EnrichmentAttempts,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &v.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload %s v%d: %w", v.EntityKey, v.Version, err)
	}
	if len(details) > 0 {
		v.Details = json.RawMessage(details)
	}
	return &v, nil
}

// =============================================================================
// Checkpoints
// =============================================================================

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.IngestCheckpoint) error {
	query := `
		INSERT INTO ingest_checkpoints (
			category, run_id, page_cursor, records_processed, run_mode,
			completed, last_success_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (category, run_id) DO UPDATE SET
			page_cursor = EXCLUDED.page_cursor,
			records_processed = EXCLUDED.records_processed,
			last_success_at = EXCLUDED.last_success_at`

	_, err := s.pool.Exec(ctx, query,
		cp.Category, cp.RunID, cp.Cursor, cp.RecordsProcessed, cp.RunMode,
		cp.Completed, cp.LastSuccessAt,
	)
	return err
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, category models.Category, runID uuid.UUID) (*models.IngestCheckpoint, error) {
	query := `
		SELECT category, run_id, page_cursor, records_processed, run_mode,
			completed, last_success_at
		FROM ingest_checkpoints
		WHERE category = $1 AND run_id = $2`

	var cp models.IngestCheckpoint
	err := s.pool.QueryRow(ctx, query, category, runID).Scan(
		&cp.Category, &cp.RunID, &cp.Cursor, &cp.RecordsProcessed, &cp.RunMode,
		&cp.Completed, &cp.LastSuccessAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) LatestIncomplete(ctx context.Context, category models.Category) (*models.IngestCheckpoint, error) {
	query := `
		SELECT category, run_id, page_cursor, records_processed, run_mode,
			completed, last_success_at
		FROM ingest_checkpoints
		WHERE category = $1 AND NOT completed
		ORDER BY last_success_at DESC
		LIMIT 1`

	var cp models.IngestCheckpoint
	err := s.pool.QueryRow(ctx, query, category).Scan(
		&cp.Category, &cp.RunID, &cp.Cursor, &cp.RecordsProcessed, &cp.RunMode,
		&cp.Completed, &cp.LastSuccessAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) CompleteCheckpoint(ctx context.Context, category models.Category, runID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_checkpoints SET completed = TRUE WHERE category = $1 AND run_id = $2`,
		category, runID,
	)
	return err
}

// =============================================================================
// Runs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.IngestRun) error {
	query := `
		INSERT INTO ingest_runs (id, category, mode, state, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = NULL,
			error_message = ''`

	_, err := s.pool.Exec(ctx, query, run.ID, run.Category, run.Mode, run.State, run.StartedAt)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *models.IngestRun) error {
	query := `
		UPDATE ingest_runs SET
			state = $2, finished_at = $3,
			created = created + $4, versioned = versioned + $5,
			unchanged = unchanged + $6, removed = removed + $7,
			invalid = invalid + $8, pages = pages + $9, records = records + $10,
			error_message = $11
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.State, run.FinishedAt,
		run.Counts.Created, run.Counts.Versioned, run.Counts.Unchanged,
		run.Counts.Removed, run.Counts.Invalid, run.Counts.Pages, run.Counts.Records,
		run.ErrorMessage,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.IngestRun, error) {
	query := `
		SELECT id, category, mode, state, started_at, finished_at,
			created, versioned, unchanged, removed, invalid, pages, records,
			error_message
		FROM ingest_runs
		WHERE id = $1`

	run, err := s.scanRun(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) LastCompleted(ctx context.Context, category models.Category) (*models.IngestRun, error) {
	query := `
		SELECT id, category, mode, state, started_at, finished_at,
			created, versioned, unchanged, removed, invalid, pages, records,
			error_message
		FROM ingest_runs
		WHERE category = $1 AND state = 'completed'
		ORDER BY started_at DESC
		LIMIT 1`

	run, err := s.scanRun(s.pool.QueryRow(ctx, query, category))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) scanRun(row rowScanner) (*models.IngestRun, error) {
	var run models.IngestRun
	err := row.Scan(
		&run.ID, &run.Category, &run.Mode, &run.State, &run.StartedAt, &run.FinishedAt,
		&run.Counts.Created, &run.Counts.Versioned, &run.Counts.Unchanged,
		&run.Counts.Removed, &run.Counts.Invalid, &run.Counts.Pages, &run.Counts.Records,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// =============================================================================
// Enrichment
// =============================================================================

// GetUnenriched returns current versions still missing their estate detail
// payload, oldest first, skipping versions that already burned their
// attempt budget.
func (s *PostgresStore) GetUnenriched(ctx context.Context, maxAttempts, limit int) ([]models.VersionedEntity, error) {
	query := `
		SELECT id, entity_key, version, payload, payload_hash, status,
			valid_from, valid_to, last_seen_at, details, enrichment_attempts
		FROM listing_versions
		WHERE valid_to IS NULL AND details IS NULL AND enrichment_attempts < $1
		ORDER BY valid_from
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.VersionedEntity
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) SetDetails(ctx context.Context, id int64, details json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE listing_versions SET details = $2,
			enrichment_attempts = enrichment_attempts + 1
		 WHERE id = $1`,
		id, []byte(details),
	)
	return err
}

func (s *PostgresStore) BumpEnrichmentAttempt(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE listing_versions SET enrichment_attempts = enrichment_attempts + 1 WHERE id = $1`,
		id,
	)
	return err
}
