package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// AnalyticsRepo records usage events. Writes are fire-and-forget from the
// hot paths; failures are logged by callers, never surfaced.
type AnalyticsRepo struct {
	db *sqlx.DB
}

// Insert stores one event.
func (r *AnalyticsRepo) Insert(ctx context.Context, e *AnalyticsEvent) error {
	const q = `
		INSERT INTO analytics_events (event_id, user_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.ExecContext(ctx, q, e.ID, e.UserID, e.EventType, e.Payload, e.CreatedAt)
	return err
}
