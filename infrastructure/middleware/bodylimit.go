package middleware

import "net/http"

// DefaultMaxBodyBytes caps request bodies to reduce memory/CPU DoS risk.
// This matters most for the public-facing gateway.
const DefaultMaxBodyBytes = 1 << 20 // 1MiB

// BodyLimitMiddleware caps the size of request bodies.
type BodyLimitMiddleware struct {
	maxBytes int64
}

// NewBodyLimitMiddleware creates a body limit middleware. A non-positive
// limit selects DefaultMaxBodyBytes.
func NewBodyLimitMiddleware(maxBytes int64) *BodyLimitMiddleware {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &BodyLimitMiddleware{maxBytes: maxBytes}
}

// Handler returns the body limit middleware handler.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
