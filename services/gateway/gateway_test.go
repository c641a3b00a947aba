package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/config"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/identity"
)

type gatewayFixture struct {
	gw     *Gateway
	tokens *identity.TokenService
	kv     kv.Store
}

func newGatewayFixture(t *testing.T, upstream *httptest.Server) *gatewayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = kvStore.Close() })

	tokens, err := identity.New([]byte("0123456789abcdef0123456789abcdef"), time.Hour, kvStore)
	require.NoError(t, err)

	logger := logging.New("gateway-test", "error", "text")
	targets := []*ServiceTarget{
		{Name: "chat", Instances: []Instance{{BaseURL: upstream.URL}}},
		{Name: "user-management", Instances: []Instance{{BaseURL: upstream.URL}}},
	}
	routes := NewRouteTable(DefaultRoutes(), targets)
	balancer := NewLoadBalancer(targets, StrategyRoundRobin, logger)

	cfg := config.GatewayConfig{
		IPRateLimitPerMin:    1000,
		IPRateLimitPerSec:    1000,
		UserRateLimit:        100,
		AuthedRateMultiplier: 1,
		MaxHeaderLength:      8192,
		BlocklistTTL:         time.Hour,
		CircuitMaxFailures:   5,
		CircuitCooldown:      time.Minute,
		CircuitProbeQuota:    3,
		TokenCacheTTL:        time.Second,
	}
	return &gatewayFixture{
		gw:     New(cfg, tokens, kvStore, routes, balancer, logger, nil),
		tokens: tokens,
		kv:     kvStore,
	}
}

func (f *gatewayFixture) loginAs(t *testing.T, roles []store.Role) string {
	t.Helper()
	userID := uuid.New()
	active := roles[0]
	token, err := f.tokens.Issue(identity.UserInfo{
		ID:         userID,
		Username:   "alice",
		Email:      "alice@example.com",
		Roles:      roles,
		ActiveRole: &active,
	})
	require.NoError(t, err)
	require.NoError(t, f.tokens.LoginSession(context.Background(), userID, token))
	return token
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached")
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGateway_UnknownRouteIs404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_AuthenticatedRequestProxied(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from chat"))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	token := f.loginAs(t, []store.Role{store.RoleMentee})

	req := httptest.NewRequest(http.MethodGet, "/chat/conversations", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from chat", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-User-ID"))
	assert.Equal(t, string(store.RoleMentee), rec.Header().Get("X-Active-Role"))
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))
}

func TestGateway_RoleGateBlocksWrongRole(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached")
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	token := f.loginAs(t, []store.Role{store.RoleMentee})

	req := httptest.NewRequest(http.MethodGet, "/mentor-profiles/"+uuid.NewString(), nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateway_SelfAccessEnforced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	token := f.loginAs(t, []store.Role{store.RoleMentee})

	// A different user's resource is forbidden.
	req := httptest.NewRequest(http.MethodGet, "/profiles/"+uuid.NewString(), nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGateway_AdminBypassesSelfAccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	token := f.loginAs(t, []store.Role{store.RoleAdmin})

	req := httptest.NewRequest(http.MethodGet, "/profiles/"+uuid.NewString(), nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_OpenCircuitShortCircuitsWith503(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer upstream.Close()

	f := newGatewayFixture(t, upstream)
	token := f.loginAs(t, []store.Role{store.RoleMentee})

	// Force the chat circuit open.
	breaker := f.gw.Circuits().Get("chat")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	req := httptest.NewRequest(http.MethodGet, "/chat/conversations", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	f.gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, hits, "an open circuit must not contact the upstream")
}
