package quarantine

import "time"

// State is the lifecycle position of a staged artifact. Transitions are
// one-directional; terminal states are never left.
type State string

const (
	StatePending  State = "PENDING"
	StateScanning State = "SCANNING"
	StatePromoted State = "PROMOTED"
	StateInfected State = "INFECTED"
	StateFailed   State = "FAILED"
	StateExpired  State = "EXPIRED"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StatePromoted, StateInfected, StateFailed, StateExpired:
		return true
	}
	return false
}

// Location identifies a promoted object on a durable disk.
type Location struct {
	Disk string `json:"disk"`
	Path string `json:"path"`
}

// Artifact is a staged, unvalidated upload. The struct doubles as the sidecar
// document persisted next to the content file.
type Artifact struct {
	ID            string     `json:"id"`
	Size          int64      `json:"size"`
	ContentHash   string     `json:"content_hash"`
	DeclaredMIME  string     `json:"declared_mime"`
	OriginalName  string     `json:"original_name"`
	State         State      `json:"state"`
	TenantID      string     `json:"tenant_id"`
	OwnerID       string     `json:"owner_id"`
	Profile       string     `json:"profile"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	PromotedTo    *Location  `json:"promoted_to,omitempty"`
	StateReason   string     `json:"state_reason,omitempty"`
}

// PutMeta carries the caller-declared metadata for a new artifact.
type PutMeta struct {
	DeclaredMIME  string
	OriginalName  string
	TenantID      string
	OwnerID       string
	Profile       string
	CorrelationID string
}
