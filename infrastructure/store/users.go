package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// UserRepo reads the minimal identity rows the core needs.
type UserRepo struct {
	db *sqlx.DB
}

// Get fetches one user by id.
func (r *UserRepo) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	const q = `
		SELECT user_id, username, email, roles, active_role, email_verified, banned_until, created_at
		FROM users WHERE user_id = $1`

	var u User
	if err := r.db.GetContext(ctx, &u, q, id); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetActiveRole updates the user's currently selected role.
func (r *UserRepo) SetActiveRole(ctx context.Context, id uuid.UUID, role Role) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET active_role = $1 WHERE user_id = $2`, string(role), id)
	return err
}

// IsBanned reports whether the user is banned at the given instant.
func (r *UserRepo) IsBanned(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	u, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return u.BannedUntil.Valid && u.BannedUntil.Time.After(now), nil
}

// RoleList parses the CSV roles column.
func (u *User) RoleList() []Role {
	parts := strings.Split(u.Roles, ",")
	out := make([]Role, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, Role(trimmed))
		}
	}
	return out
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.RoleList() {
		if r == role {
			return true
		}
	}
	return false
}
