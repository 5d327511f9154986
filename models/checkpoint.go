package models

import (
	"time"

	"github.com/google/uuid"
)

type RunMode string

const (
	RunModeBulk        RunMode = "bulk"
	RunModeIncremental RunMode = "incremental"
)

// IngestCheckpoint is the durable progress marker for one run of one
// category. Cursor is the next page to fetch, so a resumed walk starts
// exactly where the last committed page left off.
type IngestCheckpoint struct {
	Category         Category  `json:"category" db:"category"`
	RunID            uuid.UUID `json:"run_id" db:"run_id"`
	Cursor           int       `json:"cursor" db:"cursor"`
	RecordsProcessed int       `json:"records_processed" db:"records_processed"`
	RunMode          RunMode   `json:"run_mode" db:"run_mode"`
	Completed        bool      `json:"completed" db:"completed"`
	LastSuccessAt    time.Time `json:"last_success_at" db:"last_success_at"`
}
