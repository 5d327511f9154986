package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kasperjunge/boligmarkedet/models"
)

// SQLiteStore holds local operational data: a mirror of run history for
// quick inspection and the operator command queue the scheduler polls.
// Domain data never lives here.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		category TEXT,
		mode TEXT,
		state TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		counts JSON,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_runs_category ON ingest_runs(category, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Run history
// =============================================================================

func (s *SQLiteStore) RecordRun(run *models.IngestRun) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_runs (id, category, mode, state, started_at, finished_at, counts, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			counts = excluded.counts,
			error_message = excluded.error_message`,
		run.ID.String(), run.Category, run.Mode, run.State,
		run.StartedAt, run.FinishedAt, string(run.Counts.ToJSON()), run.ErrorMessage,
	)
	return err
}

func (s *SQLiteStore) GetLastRunTime(category models.Category) (time.Time, error) {
	var lastRun time.Time
	err := s.db.QueryRow(`
		SELECT started_at FROM ingest_runs
		WHERE category = ?
		ORDER BY started_at DESC
		LIMIT 1`, category).Scan(&lastRun)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return lastRun, err
}

func (s *SQLiteStore) GetRecentRuns(category models.Category, limit int) ([]models.IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, category, mode, state, started_at, finished_at, counts, error_message
		FROM ingest_runs
		WHERE category = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		category, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.IngestRun
	for rows.Next() {
		var run models.IngestRun
		var id string
		var counts []byte
		var finished sql.NullTime
		if err := rows.Scan(&id, &run.Category, &run.Mode, &run.State,
			&run.StartedAt, &finished, &counts, &run.ErrorMessage); err != nil {
			return nil, err
		}
		run.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", id, err)
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		if len(counts) > 0 {
			if err := json.Unmarshal(counts, &run.Counts); err != nil {
				return nil, err
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(command models.CommandType, params *models.CommandParams) error {
	var raw []byte
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`INSERT INTO commands (command, params) VALUES (?, ?)`, command, string(raw))
	return err
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, COALESCE(params, ''), created_at
		FROM commands
		WHERE processed_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params string
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt); err != nil {
			return nil, err
		}
		if params != "" {
			cmd.Params = json.RawMessage(params)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	params := &models.CommandParams{}
	if len(cmd.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(cmd.Params, params); err != nil {
		return nil, fmt.Errorf("parse params for command %d: %w", cmd.ID, err)
	}
	return params, nil
}
