package middleware

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds handler execution by attaching a deadline to the
// request context. Handlers are expected to observe cancellation at every
// suspension point.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
