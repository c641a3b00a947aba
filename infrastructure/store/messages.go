package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// MessageRepo persists chat messages.
type MessageRepo struct {
	db *sqlx.DB
}

// Insert stores a new message row.
func (r *MessageRepo) Insert(ctx context.Context, m *Message) error {
	const q = `
		INSERT INTO messages (
			message_id, sender_id, recipient_id, session_id, group_id,
			body, kind, moderation_status, created_at, deleted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`

	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.SenderID, m.RecipientID, m.SessionID, m.GroupID,
		m.Body, m.Kind, m.Moderation, m.CreatedAt,
	)
	return err
}

// Get fetches one message by id.
func (r *MessageRepo) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	const q = `
		SELECT message_id, sender_id, recipient_id, session_id, group_id,
		       body, kind, moderation_status, created_at, edited_at, deleted
		FROM messages WHERE message_id = $1`

	var m Message
	if err := r.db.GetContext(ctx, &m, q, id); err != nil {
		return nil, err
	}
	return &m, nil
}

// HistoryFilter selects which conversation to page through.
type HistoryFilter struct {
	UserID    uuid.UUID
	PeerID    *uuid.UUID
	SessionID *uuid.UUID
	GroupID   *uuid.UUID
}

// History returns up to limit messages ordered newest first. The cursor is
// the CreatedAt of a prior message id; callers resolve it with CreatedAtOf.
func (r *MessageRepo) History(ctx context.Context, f HistoryFilter, limit int, before *time.Time) ([]Message, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	q := `
		SELECT message_id, sender_id, recipient_id, session_id, group_id,
		       body, kind, moderation_status, created_at, edited_at, deleted
		FROM messages WHERE `
	args := []interface{}{}
	idx := 1

	switch {
	case f.PeerID != nil:
		q += `((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))`
		args = append(args, f.UserID, *f.PeerID)
		idx = 3
	case f.SessionID != nil:
		q += `session_id = $1`
		args = append(args, *f.SessionID)
		idx = 2
	case f.GroupID != nil:
		q += `group_id = $1`
		args = append(args, *f.GroupID)
		idx = 2
	default:
		q += `(sender_id = $1 OR recipient_id = $1)`
		args = append(args, f.UserID)
		idx = 2
	}

	if before != nil {
		q += ` AND created_at < $` + strconv.Itoa(idx)
		args = append(args, *before)
		idx++
	}

	// Fetch one extra row to learn whether more pages exist.
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(idx)
	args = append(args, limit+1)

	var rows []Message
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, false, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

// CreatedAtOf resolves a message id to its creation time for cursor paging.
func (r *MessageRepo) CreatedAtOf(ctx context.Context, id uuid.UUID) (time.Time, error) {
	var ts time.Time
	err := r.db.GetContext(ctx, &ts, `SELECT created_at FROM messages WHERE message_id = $1`, id)
	return ts, err
}

// Edit replaces the body and stamps edited_at. Only the sender may edit;
// callers enforce that before persisting.
func (r *MessageRepo) Edit(ctx context.Context, id uuid.UUID, body string, moderation ModerationStatus, editedAt time.Time) error {
	const q = `
		UPDATE messages SET body = $1, moderation_status = $2, edited_at = $3
		WHERE message_id = $4 AND deleted = false`
	res, err := r.db.ExecContext(ctx, q, body, moderation, editedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Delete scrubs the body and marks the row deleted, retaining id and
// destination.
func (r *MessageRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE messages SET body = '', deleted = true WHERE message_id = $1`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
