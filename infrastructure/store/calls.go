package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CallRepo persists call sessions and participants.
type CallRepo struct {
	db *sqlx.DB
}

// InsertCall stores a new call row in its initial state.
func (r *CallRepo) InsertCall(ctx context.Context, c *CallSession) error {
	const q = `
		INSERT INTO call_sessions (
			call_id, caller_id, callee_id, session_id, call_type, state, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.CallerID, c.CalleeID, c.SessionID, c.Kind, c.State, c.StartedAt)
	return err
}

// UpdateState persists a state transition.
func (r *CallRepo) UpdateState(ctx context.Context, id uuid.UUID, state CallState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET state = $1 WHERE call_id = $2`, state, id)
	return err
}

// EndCall persists the terminal state with end time and duration.
func (r *CallRepo) EndCall(ctx context.Context, id uuid.UUID, state CallState, endedAt time.Time, durationSec int32) error {
	const q = `
		UPDATE call_sessions
		SET state = $1, ended_at = $2, duration_seconds = $3
		WHERE call_id = $4`
	_, err := r.db.ExecContext(ctx, q, state, endedAt, durationSec, id)
	return err
}

// GetCall fetches one call row.
func (r *CallRepo) GetCall(ctx context.Context, id uuid.UUID) (*CallSession, error) {
	const q = `
		SELECT call_id, caller_id, callee_id, session_id, call_type, state,
		       started_at, ended_at, duration_seconds
		FROM call_sessions WHERE call_id = $1`

	var c CallSession
	if err := r.db.GetContext(ctx, &c, q, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertParticipant records a participant joining, clearing any prior
// departure on rejoin.
func (r *CallRepo) UpsertParticipant(ctx context.Context, p *CallParticipantRow) error {
	const q = `
		INSERT INTO call_participants (call_id, user_id, joined_at, media_state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id, user_id) DO UPDATE SET
			joined_at = EXCLUDED.joined_at,
			media_state = EXCLUDED.media_state,
			left_at = NULL`

	_, err := r.db.ExecContext(ctx, q, p.CallID, p.UserID, p.JoinedAt, p.MediaState)
	return err
}

// MarkParticipantLeft stamps the participant's departure.
func (r *CallRepo) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_participants SET left_at = $1 WHERE call_id = $2 AND user_id = $3`,
		leftAt, callID, userID)
	return err
}

// UpdateParticipantMedia persists a participant's media state JSON.
func (r *CallRepo) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, mediaState []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_participants SET media_state = $1 WHERE call_id = $2 AND user_id = $3`,
		mediaState, callID, userID)
	return err
}
