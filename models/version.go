package models

import (
	"encoding/json"
	"time"
)

type VersionStatus string

const (
	VersionStatusActive     VersionStatus = "active"
	VersionStatusChangedOut VersionStatus = "changed_out"
	VersionStatusRemoved    VersionStatus = "removed"
)

// VersionedEntity is one immutable snapshot of a listing, valid over
// [ValidFrom, ValidTo). The current version of an entity has ValidTo = nil;
// at most one version per entity key may be current at a time, and version
// numbers are gapless starting at 1.
type VersionedEntity struct {
	ID          int64         `json:"id" db:"id"`
	EntityKey   string        `json:"entity_key" db:"entity_key"`
	Version     int           `json:"version" db:"version"`
	Payload     ListingRecord `json:"payload" db:"payload"`
	PayloadHash string        `json:"payload_hash" db:"payload_hash"`
	Status      VersionStatus `json:"status" db:"status"`
	ValidFrom   time.Time     `json:"valid_from" db:"valid_from"`
	ValidTo     *time.Time    `json:"valid_to" db:"valid_to"`
	LastSeenAt  time.Time     `json:"last_seen_at" db:"last_seen_at"`

	// Details is the full estate payload filled in by the enrichment
	// worker after the version is created.
	Details            json.RawMessage `json:"details,omitempty" db:"details"`
	EnrichmentAttempts int             `json:"enrichment_attempts" db:"enrichment_attempts"`
}

// Current reports whether this version is the open one for its entity key.
func (v *VersionedEntity) Current() bool {
	return v.ValidTo == nil
}
