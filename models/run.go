package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStatePaused    RunState = "paused"
	RunStateFailed    RunState = "failed"
)

// RunCounts itemizes what a run did to the dataset.
type RunCounts struct {
	Created   int `json:"created"`
	Versioned int `json:"versioned"`
	Unchanged int `json:"unchanged"`
	Removed   int `json:"removed"`
	Invalid   int `json:"invalid"`
	Pages     int `json:"pages"`
	Records   int `json:"records"`
}

// Add folds another set of counts into c.
func (c *RunCounts) Add(o RunCounts) {
	c.Created += o.Created
	c.Versioned += o.Versioned
	c.Unchanged += o.Unchanged
	c.Removed += o.Removed
	c.Invalid += o.Invalid
	c.Pages += o.Pages
	c.Records += o.Records
}

// ToJSON returns the counts as JSON metadata for run records.
func (c *RunCounts) ToJSON() json.RawMessage {
	data, _ := json.Marshal(c)
	return data
}

// IngestRun is the execution record for one bulk or incremental cycle.
type IngestRun struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Category     Category   `json:"category" db:"category"`
	Mode         RunMode    `json:"mode" db:"mode"`
	State        RunState   `json:"state" db:"state"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Counts       RunCounts  `json:"counts" db:"counts"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
}
