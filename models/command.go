package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunNow        CommandType = "run_now"
	CmdRunCategory   CommandType = "run_category"
	CmdRunEnrichment CommandType = "run_enrichment"
	CmdPause         CommandType = "pause"
	CmdResume        CommandType = "resume"
)

// Valid reports whether t is a known operator command.
func (t CommandType) Valid() bool {
	switch t {
	case CmdRunNow, CmdRunCategory, CmdRunEnrichment, CmdPause, CmdResume:
		return true
	}
	return false
}

// Command is an operator instruction queued in the local store and picked
// up by the scheduler's poll loop.
type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	Category string `json:"category,omitempty"`
}
