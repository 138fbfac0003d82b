package models

import (
	"time"

	"github.com/lib/pq"
)

// CleanupState tracks pending artifact removal for one media record. It is
// written transactionally with the event that makes cleanup necessary, and
// carries everything needed to delete artifacts even after the media row is
// gone. The TTL guarantees forced cleanup if conversion events are lost.
type CleanupState struct {
	ID          string         `db:"id" json:"id"`
	MediaID     string         `db:"media_id" json:"media_id"`
	TenantID    string         `db:"tenant_id" json:"tenant_id"`
	OwnerID     string         `db:"owner_id" json:"owner_id"`
	Collection  string         `db:"collection" json:"collection"`
	Directory   string         `db:"directory" json:"directory"`
	FileName    string         `db:"file_name" json:"file_name"`
	Disks       pq.StringArray `db:"disks" json:"disks"`
	Conversions pq.StringArray `db:"conversions" json:"conversions"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time      `db:"expires_at" json:"expires_at"`
}
