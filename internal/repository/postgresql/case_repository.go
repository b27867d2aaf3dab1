package postgresql

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CaseRepository updates the externally visible status of case records.
type CaseRepository struct {
	pool *pgxpool.Pool
}

func NewCaseRepository(pool *pgxpool.Pool) *CaseRepository {
	return &CaseRepository{pool: pool}
}

func (r *CaseRepository) SetEnrichmentStatus(ctx context.Context, caseNumber, status string) error {
	const q = `UPDATE cases SET enrichment_status = $2, updated_at = now() WHERE case_number = $1;`

	tag, err := r.pool.Exec(ctx, q, caseNumber, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
