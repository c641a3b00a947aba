package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linkwithmentor/platform/infrastructure/logging"
)

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil, logging.New("mw-test", "error", "text"))

	for i := 0; i < 10; i++ {
		if !rl.Allow("user-1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("user-1") {
		t.Error("request over burst should be rejected")
	}
	if !rl.Allow("user-2") {
		t.Error("a different key must have its own bucket")
	}
}

func TestRateLimiter_HandlerRejectsWith429(t *testing.T) {
	rl := NewRateLimiterWithWindow(1, time.Minute, 1, func(r *http.Request) string {
		return "fixed-key"
	}, logging.New("mw-test", "error", "text"))

	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimiter_CleanupBoundsMap(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil, nil)
	for i := 0; i < 10001; i++ {
		rl.Allow(string(rune(i)))
	}
	rl.Cleanup()
	if rl.LimiterCount() != 0 {
		t.Errorf("cleanup should reset an oversized map, got %d", rl.LimiterCount())
	}
}
