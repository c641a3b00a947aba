package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

func newSecurityFixture(t *testing.T) (*SecurityGate, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = kvStore.Close() })

	cfg := config.GatewayConfig{
		IPRateLimitPerMin: 100,
		IPRateLimitPerSec: 50,
		MaxHeaderLength:   1024,
		BlocklistTTL:      time.Hour,
	}
	return NewSecurityGate(kvStore, cfg, logging.New("gateway-test", "error", "text")), kvStore
}

func TestSecurityGate_AllowsPlainRequest(t *testing.T) {
	gate, _ := newSecurityFixture(t)
	req := httptest.NewRequest("GET", "/messages", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	assert.NoError(t, gate.Check(req))
}

func TestSecurityGate_RejectsBlockedIP(t *testing.T) {
	gate, kvStore := newSecurityFixture(t)
	req := httptest.NewRequest("GET", "/messages", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	require.NoError(t, kvStore.Set(req.Context(), "ip_blocklist:203.0.113.7", "1", time.Hour))

	err := gate.Check(req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestSecurityGate_RejectsPathTraversal(t *testing.T) {
	gate, _ := newSecurityFixture(t)

	for _, path := range []string{"/files/../../etc/passwd", "/a/%2e%2e/b"} {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "203.0.113.7:1234"

		err := gate.Check(req)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation), "path %q must be rejected", path)
	}
}

func TestSecurityGate_RejectsOversizedHeader(t *testing.T) {
	gate, _ := newSecurityFixture(t)
	req := httptest.NewRequest("GET", "/messages", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set("X-Large", strings.Repeat("a", 2048))

	err := gate.Check(req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestSecurityGate_RejectsExcessiveForwardingHeaders(t *testing.T) {
	gate, _ := newSecurityFixture(t)
	req := httptest.NewRequest("GET", "/messages", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Real-Ip", "1.2.3.4")
	req.Header.Set("Forwarded", "for=1.2.3.4")

	err := gate.Check(req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestSecurityGate_PerIPRateLimit(t *testing.T) {
	gate, _ := newSecurityFixture(t)

	var err error
	for i := 0; i < 101; i++ {
		req := httptest.NewRequest("GET", "/messages", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		err = gate.Check(req)
		if err != nil {
			break
		}
	}
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimited), "the 50/s cap trips at request 51, before the 100/min cap, got %v", err)
}
