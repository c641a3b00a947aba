package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig controls the CORS middleware behavior.
type CORSConfig struct {
	AllowedOrigins         []string
	AllowedMethods         []string
	AllowedHeaders         []string
	ExposedHeaders         []string
	AllowCredentials       bool
	MaxAgeSeconds          int
	PreflightStatus        int
	RejectDisallowedOrigin bool
}

// CORSMiddleware applies the configured CORS policy.
type CORSMiddleware struct {
	config *CORSConfig
}

// NewCORSMiddleware creates a CORS middleware from config.
func NewCORSMiddleware(cfg *CORSConfig) *CORSMiddleware {
	if cfg == nil {
		cfg = &CORSConfig{AllowedOrigins: []string{"*"}}
	}
	if cfg.PreflightStatus == 0 {
		cfg.PreflightStatus = http.StatusNoContent
	}
	return &CORSMiddleware{config: cfg}
}

func (m *CORSMiddleware) originAllowed(origin string) bool {
	for _, allowed := range m.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler returns the CORS middleware handler.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			if m.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				if m.config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if len(m.config.ExposedHeaders) > 0 {
					w.Header().Set("Access-Control-Expose-Headers", strings.Join(m.config.ExposedHeaders, ", "))
				}
			} else if m.config.RejectDisallowedOrigin {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
		}

		if r.Method == http.MethodOptions {
			if len(m.config.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(m.config.AllowedMethods, ", "))
			}
			if len(m.config.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(m.config.AllowedHeaders, ", "))
			}
			if m.config.MaxAgeSeconds > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(m.config.MaxAgeSeconds))
			}
			w.WriteHeader(m.config.PreflightStatus)
			return
		}

		next.ServeHTTP(w, r)
	})
}
