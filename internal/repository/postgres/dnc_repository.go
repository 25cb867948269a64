package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DNCRepository reads the tenant do-not-call list. Entries are written by
// the surrounding product (opt-outs, manual entry); the dispatch core only
// consults them.
type DNCRepository struct {
	db *sqlx.DB
}

// NewDNCRepository constructs the repository.
func NewDNCRepository(db *sqlx.DB) *DNCRepository {
	return &DNCRepository{db: db}
}

// IsBlocked reports whether the number is on the tenant's DNC list.
func (r *DNCRepository) IsBlocked(ctx context.Context, tenantID uuid.UUID, phoneNumber string) (bool, error) {
	var exists bool
	err := r.db.QueryRowxContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM dnc_entries WHERE tenant_id = $1 AND phone_number = $2
	)`, tenantID, phoneNumber).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dnc repo: lookup: %w", err)
	}
	return exists, nil
}
