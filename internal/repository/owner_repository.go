package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/harborside/media-vault/internal/models"
)

const ownerColumns = `id, tenant_id, status, created_at, updated_at`

// OwnerRepository resolves the entities media is attached to.
type OwnerRepository struct {
	db *sqlx.DB
}

// NewOwnerRepository constructs the repository.
func NewOwnerRepository(db *sqlx.DB) *OwnerRepository {
	return &OwnerRepository{db: db}
}

// FindByID retrieves one owner row.
func (r *OwnerRepository) FindByID(ctx context.Context, id string) (*models.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners WHERE id = $1`
	var owner models.Owner
	if err := r.db.GetContext(ctx, &owner, query, id); err != nil {
		return nil, err
	}
	return &owner, nil
}

// LockAndFindByID row-locks the owner for the duration of the transaction,
// serializing concurrent replace operations on the same owner.
func (r *OwnerRepository) LockAndFindByID(ctx context.Context, tx *sqlx.Tx, id string) (*models.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners WHERE id = $1 FOR UPDATE`
	var owner models.Owner
	if err := tx.GetContext(ctx, &owner, query, id); err != nil {
		return nil, err
	}
	return &owner, nil
}

// Begin opens a transaction for callers that need lock-and-find semantics.
func (r *OwnerRepository) Begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin owner transaction: %w", err)
	}
	return tx, nil
}
