package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/harborside/media-vault/internal/models"
)

const mediaColumns = `id, tenant_id, owner_id, collection, disk, directory, file_name,
       mime_type, size_bytes, content_hash, correlation_id, conversions, optimized_at,
       created_at, updated_at`

// MediaRepository handles durable media persistence.
type MediaRepository struct {
	db *sqlx.DB
}

// NewMediaRepository constructs the repository.
func NewMediaRepository(db *sqlx.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// CreateTx stores the record inside the caller's transaction.
func (r *MediaRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, media *models.MediaRecord) error {
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if media.CreatedAt.IsZero() {
		media.CreatedAt = now
	}
	media.UpdatedAt = now
	if media.Conversions == nil {
		media.Conversions = models.ConversionSet{}
	}
	const query = `INSERT INTO media
	(id, tenant_id, owner_id, collection, disk, directory, file_name, mime_type, size_bytes,
	 content_hash, correlation_id, conversions, optimized_at, created_at, updated_at)
	VALUES (:id, :tenant_id, :owner_id, :collection, :disk, :directory, :file_name, :mime_type,
	 :size_bytes, :content_hash, :correlation_id, :conversions, :optimized_at, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, media); err != nil {
		return fmt.Errorf("create media record: %w", err)
	}
	return nil
}

// GetByID retrieves one media row.
func (r *MediaRepository) GetByID(ctx context.Context, id string) (*models.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE id = $1`
	var media models.MediaRecord
	if err := r.db.GetContext(ctx, &media, query, id); err != nil {
		return nil, err
	}
	return &media, nil
}

// FindByDirectory returns the record promoted into the given media directory.
// Directories carry the quarantine artifact ID, so this lookup answers whether
// an artifact's promotion was already finalized.
func (r *MediaRepository) FindByDirectory(ctx context.Context, directory string) (*models.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE directory = $1`
	var media models.MediaRecord
	if err := r.db.GetContext(ctx, &media, query, directory); err != nil {
		return nil, err
	}
	return &media, nil
}

// FindCurrent returns the current media for (owner, collection), newest
// first. sql.ErrNoRows when the owner has none.
func (r *MediaRepository) FindCurrent(ctx context.Context, tenantID, ownerID, collection string) (*models.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
	WHERE tenant_id = $1 AND owner_id = $2 AND collection = $3
	ORDER BY created_at DESC LIMIT 1`
	var media models.MediaRecord
	if err := r.db.GetContext(ctx, &media, query, tenantID, ownerID, collection); err != nil {
		return nil, err
	}
	return &media, nil
}

// ListByOwner returns every media row for (owner, collection).
func (r *MediaRepository) ListByOwner(ctx context.Context, tenantID, ownerID, collection string) ([]models.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
	WHERE tenant_id = $1 AND owner_id = $2 AND collection = $3
	ORDER BY created_at DESC`
	var records []models.MediaRecord
	if err := r.db.SelectContext(ctx, &records, query, tenantID, ownerID, collection); err != nil {
		return nil, fmt.Errorf("list media by owner: %w", err)
	}
	return records, nil
}

// SetConversions replaces the generated-conversion map and bumps updated_at.
func (r *MediaRepository) SetConversions(ctx context.Context, id string, conversions models.ConversionSet) error {
	const query = `UPDATE media SET conversions = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, conversions, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set media conversions: %w", err)
	}
	return ensureAffected(res)
}

// MarkOptimized records optimizer completion without bumping updated_at, so
// an optimization pass does not invalidate its own staleness baseline.
func (r *MediaRepository) MarkOptimized(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE media SET optimized_at = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark media optimized: %w", err)
	}
	return ensureAffected(res)
}

// Delete removes the media row.
func (r *MediaRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM media WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete media record: %w", err)
	}
	return ensureAffected(res)
}

// DeleteTx removes the media row inside the caller's transaction.
func (r *MediaRepository) DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	const query = `DELETE FROM media WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete media record: %w", err)
	}
	return nil
}

func ensureAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether the error is the repository's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
