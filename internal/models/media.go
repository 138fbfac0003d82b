package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ConversionSet maps conversion names to generated file names, persisted as
// JSONB.
type ConversionSet map[string]string

// Value implements driver.Valuer.
func (c ConversionSet) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *ConversionSet) Scan(src interface{}) error {
	if src == nil {
		*c = ConversionSet{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported conversions type %T", src)
	}
	return json.Unmarshal(raw, c)
}

// MediaRecord is durable, promoted media owned by a tenant-scoped entity.
// At most one record per (owner, collection) is current for single-file
// collections; any other record is superseded and must not be processed.
type MediaRecord struct {
	ID            string        `db:"id" json:"id"`
	TenantID      string        `db:"tenant_id" json:"tenant_id"`
	OwnerID       string        `db:"owner_id" json:"owner_id"`
	Collection    string        `db:"collection" json:"collection"`
	Disk          string        `db:"disk" json:"disk"`
	Directory     string        `db:"directory" json:"directory"`
	FileName      string        `db:"file_name" json:"file_name"`
	MimeType      string        `db:"mime_type" json:"mime_type"`
	SizeBytes     int64         `db:"size_bytes" json:"size_bytes"`
	ContentHash   string        `db:"content_hash" json:"content_hash"`
	CorrelationID string        `db:"correlation_id" json:"correlation_id"`
	Conversions   ConversionSet `db:"conversions" json:"conversions"`
	OptimizedAt   *time.Time    `db:"optimized_at" json:"optimized_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}
