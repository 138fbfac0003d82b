package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/harborside/media-vault/internal/models"
)

const cleanupColumns = `id, media_id, tenant_id, owner_id, collection, directory, file_name,
       disks, conversions, created_at, expires_at`

// CleanupRepository persists pending artifact-removal state.
type CleanupRepository struct {
	db *sqlx.DB
}

// NewCleanupRepository constructs the repository.
func NewCleanupRepository(db *sqlx.DB) *CleanupRepository {
	return &CleanupRepository{db: db}
}

const insertCleanupQuery = `INSERT INTO cleanup_states
	(id, media_id, tenant_id, owner_id, collection, directory, file_name, disks, conversions, created_at, expires_at)
	VALUES (:id, :media_id, :tenant_id, :owner_id, :collection, :directory, :file_name, :disks, :conversions, :created_at, :expires_at)
	ON CONFLICT (media_id) DO UPDATE SET
	disks = EXCLUDED.disks, conversions = EXCLUDED.conversions, expires_at = EXCLUDED.expires_at`

func prepareCleanupState(state *models.CleanupState) {
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
}

// ScheduleTx stores the cleanup state inside the caller's transaction so that
// scheduling commits or rolls back together with the triggering event.
func (r *CleanupRepository) ScheduleTx(ctx context.Context, tx *sqlx.Tx, state *models.CleanupState) error {
	prepareCleanupState(state)
	if _, err := tx.NamedExecContext(ctx, insertCleanupQuery, state); err != nil {
		return fmt.Errorf("schedule cleanup state: %w", err)
	}
	return nil
}

// GetByMediaID retrieves the pending state for one media record.
func (r *CleanupRepository) GetByMediaID(ctx context.Context, mediaID string) (*models.CleanupState, error) {
	query := `SELECT ` + cleanupColumns + ` FROM cleanup_states WHERE media_id = $1`
	var state models.CleanupState
	if err := r.db.GetContext(ctx, &state, query, mediaID); err != nil {
		return nil, err
	}
	return &state, nil
}

// ListByOwner returns every pending state in one (tenant, owner, collection)
// scope.
func (r *CleanupRepository) ListByOwner(ctx context.Context, tenantID, ownerID, collection string) ([]models.CleanupState, error) {
	query := `SELECT ` + cleanupColumns + ` FROM cleanup_states
	WHERE tenant_id = $1 AND owner_id = $2 AND collection = $3
	ORDER BY created_at ASC`
	var states []models.CleanupState
	if err := r.db.SelectContext(ctx, &states, query, tenantID, ownerID, collection); err != nil {
		return nil, fmt.Errorf("list cleanup states by owner: %w", err)
	}
	return states, nil
}

// ListExpired returns states whose TTL has elapsed, oldest first.
func (r *CleanupRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.CleanupState, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cleanupColumns + ` FROM cleanup_states
	WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`
	var states []models.CleanupState
	if err := r.db.SelectContext(ctx, &states, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired cleanup states: %w", err)
	}
	return states, nil
}

// Delete removes a flushed state. Removing an already-removed state is a
// no-op so repeated flushes stay idempotent.
func (r *CleanupRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM cleanup_states WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete cleanup state: %w", err)
	}
	return nil
}
