package identity

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

type contextKey string

const claimsContextKey contextKey = "identity_claims"

// ClaimsFromContext returns the verified claims installed by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// WithClaims installs claims into ctx (used by tests and the gateway).
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Middleware verifies the Bearer token on every request and installs the
// claims into the request context.
func (s *TokenService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteServiceError(w, r, apperrors.Unauthorized("missing Authorization header"))
			return
		}
		if !strings.HasPrefix(header, "Bearer ") || len(header) <= 7 {
			httputil.WriteServiceError(w, r, apperrors.Unauthorized("invalid Authorization header"))
			return
		}

		claims, err := s.Verify(r.Context(), header[7:])
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}

		ctx := WithClaims(r.Context(), claims)
		ctx = logging.WithUserID(ctx, claims.Subject)
		if claims.ActiveRole != nil {
			ctx = logging.WithRole(ctx, string(*claims.ActiveRole))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
