package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SagaRepo persists saga documents so a crashed coordinator can resume.
type SagaRepo struct {
	db *sqlx.DB
}

// Save upserts the full saga document. Called on every transition.
func (r *SagaRepo) Save(ctx context.Context, row *SagaRow) error {
	const q = `
		INSERT INTO saga_store (saga_id, saga_type, status, document, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (saga_id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`

	_, err := r.db.ExecContext(ctx, q,
		row.ID, row.Type, row.Status, row.Document,
		row.CreatedAt, row.UpdatedAt, row.CompletedAt)
	return err
}

// Get fetches one saga document.
func (r *SagaRepo) Get(ctx context.Context, id uuid.UUID) (*SagaRow, error) {
	const q = `
		SELECT saga_id, saga_type, status, document, created_at, updated_at, completed_at
		FROM saga_store WHERE saga_id = $1`

	var row SagaRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListUnfinished returns sagas that were in flight before cutoff, candidates
// for resumption by whichever coordinator acquires their lock next.
func (r *SagaRepo) ListUnfinished(ctx context.Context, cutoff time.Time) ([]SagaRow, error) {
	const q = `
		SELECT saga_id, saga_type, status, document, created_at, updated_at, completed_at
		FROM saga_store
		WHERE status IN ('started', 'in_progress', 'compensating') AND updated_at < $1
		ORDER BY updated_at ASC`

	var rows []SagaRow
	if err := r.db.SelectContext(ctx, &rows, q, cutoff); err != nil {
		return nil, err
	}
	return rows, nil
}
