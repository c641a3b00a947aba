// Package identity issues and verifies bearer tokens and tracks live
// sessions. A token is valid only while its cryptographic window holds AND
// the server-side session marker exists AND the user is not banned, so a
// logout or ban invalidates outstanding tokens immediately while the happy
// path stays a stateless signature check plus two KV lookups (session
// marker and ban flag).
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

const (
	sessionKeyPrefix    = "session:"
	activeRoleKeyPrefix = "active_role:"
	banKeyPrefix        = "user_ban:"

	issuer = "linkwithmentor"
)

// Claims are the token claims for a platform user.
type Claims struct {
	Username   string       `json:"username"`
	Email      string       `json:"email"`
	Roles      []store.Role `json:"roles"`
	ActiveRole *store.Role  `json:"active_role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role store.Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c.HasRole(store.RoleAdmin)
}

// TokenService signs and verifies tokens and manages session markers.
type TokenService struct {
	secret []byte
	expiry time.Duration
	kv     kv.Store
}

// New creates a TokenService. The secret must be at least 32 bytes.
func New(secret []byte, expiry time.Duration, kvStore kv.Store) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("identity: secret must be at least 32 bytes")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &TokenService{secret: secret, expiry: expiry, kv: kvStore}, nil
}

// UserInfo is the identity snapshot a token is issued over.
type UserInfo struct {
	ID         uuid.UUID
	Username   string
	Email      string
	Roles      []store.Role
	ActiveRole *store.Role
}

// Issue produces a signed token over the user's identity with the configured
// lifetime.
func (s *TokenService) Issue(user UserInfo) (string, error) {
	if len(user.Roles) == 0 {
		return "", fmt.Errorf("identity: user must hold at least one role")
	}
	if user.ActiveRole != nil {
		found := false
		for _, r := range user.Roles {
			if r == *user.ActiveRole {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("identity: active role %q not among user roles", *user.ActiveRole)
		}
	}

	now := time.Now()
	claims := &Claims{
		Username:   user.Username,
		Email:      user.Email,
		Roles:      user.Roles,
		ActiveRole: user.ActiveRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks signature, expiry, the live-session marker, and the ban flag.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.InvalidSignature(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperrors.InvalidToken(fmt.Errorf("malformed claims"))
	}

	// Live-session marker: revocation deletes it.
	exists, err := s.kv.Exists(ctx, sessionKeyPrefix+claims.Subject)
	if err != nil {
		return nil, apperrors.Internal("session lookup failed", err)
	}
	if !exists {
		return nil, apperrors.SessionRevoked()
	}

	banned, err := s.kv.Exists(ctx, banKeyPrefix+claims.Subject)
	if err != nil {
		return nil, apperrors.Internal("ban lookup failed", err)
	}
	if banned {
		return nil, apperrors.UserBanned(claims.Subject)
	}

	return claims, nil
}

// LoginSession records the live-session marker with TTL equal to the token
// lifetime.
func (s *TokenService) LoginSession(ctx context.Context, userID uuid.UUID, token string) error {
	return s.kv.Set(ctx, sessionKeyPrefix+userID.String(), hashToken(token), s.expiry)
}

// RevokeSession clears the live-session marker; outstanding tokens verify as
// Revoked afterwards.
func (s *TokenService) RevokeSession(ctx context.Context, userID uuid.UUID) error {
	return s.kv.Del(ctx, sessionKeyPrefix+userID.String())
}

// SwitchActiveRole re-issues a token with the new active role iff the user
// holds it.
func (s *TokenService) SwitchActiveRole(ctx context.Context, user UserInfo, role store.Role) (string, error) {
	held := false
	for _, r := range user.Roles {
		if r == role {
			held = true
			break
		}
	}
	if !held {
		return "", apperrors.RoleRequired(string(role))
	}

	user.ActiveRole = &role
	token, err := s.Issue(user)
	if err != nil {
		return "", err
	}

	if err := s.kv.Set(ctx, activeRoleKeyPrefix+user.ID.String(), string(role), s.expiry); err != nil {
		return "", apperrors.Internal("persist active role", err)
	}
	if err := s.LoginSession(ctx, user.ID, token); err != nil {
		return "", apperrors.Internal("refresh session marker", err)
	}
	return token, nil
}

// BanUser sets the ban flag until the given duration elapses.
func (s *TokenService) BanUser(ctx context.Context, userID uuid.UUID, d time.Duration) error {
	return s.kv.Set(ctx, banKeyPrefix+userID.String(), "1", d)
}

// UnbanUser clears the ban flag.
func (s *TokenService) UnbanUser(ctx context.Context, userID uuid.UUID) error {
	return s.kv.Del(ctx, banKeyPrefix+userID.String())
}

// IsBanned reports whether the ban flag is set.
func (s *TokenService) IsBanned(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.kv.Exists(ctx, banKeyPrefix+userID.String())
}

// Expiry returns the configured token lifetime.
func (s *TokenService) Expiry() time.Duration {
	return s.expiry
}

func hashToken(token string) string {
	// The marker only needs to prove a session exists; store a digest so the
	// raw bearer token never lands in the KV store.
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(token))
	return sum.String()
}
