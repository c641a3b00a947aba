package gateway

import (
	"strings"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

// AuthRule gates one path prefix. Longest prefix wins, mirroring the route
// table.
type AuthRule struct {
	Prefix             string
	RequiresAuth       bool
	RequiredRole       *store.Role
	RequiresActiveRole bool
	SelfAccessOnly     bool
}

// AuthRules resolves path prefixes to their gating rule.
type AuthRules struct {
	rules []AuthRule
}

func rolePtr(r store.Role) *store.Role { return &r }

// DefaultAuthRules returns the platform authorization matrix.
func DefaultAuthRules() *AuthRules {
	return &AuthRules{rules: []AuthRule{
		// Public
		{Prefix: "/health"},
		{Prefix: "/auth/register"},
		{Prefix: "/auth/login"},

		// Authenticated
		{Prefix: "/auth/logout", RequiresAuth: true},
		{Prefix: "/auth/me", RequiresAuth: true, SelfAccessOnly: true},
		{Prefix: "/auth/switch-role", RequiresAuth: true},
		{Prefix: "/users", RequiresAuth: true, SelfAccessOnly: true},
		{Prefix: "/profiles", RequiresAuth: true, SelfAccessOnly: true},
		{Prefix: "/payment-methods", RequiresAuth: true, SelfAccessOnly: true},
		{Prefix: "/chat", RequiresAuth: true},
		{Prefix: "/messages", RequiresAuth: true},
		{Prefix: "/video", RequiresAuth: true},
		{Prefix: "/calls", RequiresAuth: true},
		{Prefix: "/meetings", RequiresAuth: true},
		{Prefix: "/sessions", RequiresAuth: true},
		{Prefix: "/payments", RequiresAuth: true},
		{Prefix: "/transactions", RequiresAuth: true},
		{Prefix: "/subscriptions", RequiresAuth: true},
		{Prefix: "/notifications", RequiresAuth: true},
		{Prefix: "/preferences", RequiresAuth: true},
		{Prefix: "/lectures", RequiresAuth: true},
		{Prefix: "/uploads", RequiresAuth: true},

		// Role-gated
		{Prefix: "/mentor-profiles", RequiresAuth: true, RequiredRole: rolePtr(store.RoleMentor), RequiresActiveRole: true, SelfAccessOnly: true},
		{Prefix: "/mentee-profiles", RequiresAuth: true, RequiredRole: rolePtr(store.RoleMentee), RequiresActiveRole: true, SelfAccessOnly: true},

		// Admin
		{Prefix: "/users/search", RequiresAuth: true, RequiredRole: rolePtr(store.RoleAdmin)},
		{Prefix: "/analytics", RequiresAuth: true, RequiredRole: rolePtr(store.RoleAdmin)},
		{Prefix: "/dashboards", RequiresAuth: true, RequiredRole: rolePtr(store.RoleAdmin)},
		{Prefix: "/reports", RequiresAuth: true, RequiredRole: rolePtr(store.RoleAdmin)},
		{Prefix: "/safety", RequiresAuth: true},
		{Prefix: "/moderation", RequiresAuth: true, RequiredRole: rolePtr(store.RoleAdmin)},
	}}
}

// RuleFor returns the most specific rule for path, or nil when unruled
// (unruled paths default to requiring auth).
func (a *AuthRules) RuleFor(path string) *AuthRule {
	var best *AuthRule
	bestLen := 0
	for i := range a.rules {
		rule := &a.rules[i]
		if strings.HasPrefix(path, rule.Prefix) && len(rule.Prefix) > bestLen {
			best = rule
			bestLen = len(rule.Prefix)
		}
	}
	return best
}

// IsPublic reports whether path is reachable without a token.
func (a *AuthRules) IsPublic(path string) bool {
	rule := a.RuleFor(path)
	return rule != nil && !rule.RequiresAuth
}

// UserIDFromPath extracts the {userId} segment from self-access paths like
// /users/{id} or /profiles/{id}.
func UserIDFromPath(path string) (uuid.UUID, bool) {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		switch segment {
		case "users", "profiles", "mentor-profiles", "mentee-profiles", "payment-methods":
			if i+1 < len(segments) {
				if id, err := uuid.Parse(segments[i+1]); err == nil {
					return id, true
				}
			}
		}
	}
	return uuid.Nil, false
}
