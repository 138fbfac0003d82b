package models

import "time"

// Owner statuses.
const (
	OwnerStatusActive  = "active"
	OwnerStatusDeleted = "deleted"
)

// Owner is the entity media is attached to (a user, in the avatar case).
// The pipeline only needs identity, tenant scope and liveness.
type Owner struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
