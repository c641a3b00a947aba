package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/resilience"
)

type proxyFixture struct {
	proxy    *Proxy
	routes   *RouteTable
	circuits *resilience.Registry
	kv       kv.Store
}

func newProxyFixture(t *testing.T, upstream *httptest.Server, route Route) *proxyFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = kvStore.Close() })

	logger := logging.New("gateway-test", "error", "text")
	targets := []*ServiceTarget{{
		Name:      route.Service,
		Instances: []Instance{{BaseURL: upstream.URL}},
	}}
	routes := NewRouteTable([]Route{route}, targets)
	balancer := NewLoadBalancer(targets, StrategyRoundRobin, logger)
	circuits := resilience.NewRegistry(resilience.Config{MaxFailures: 5, Cooldown: time.Minute, ProbeQuota: 3})

	return &proxyFixture{
		proxy:    NewProxy(routes, balancer, circuits, kvStore, logger, nil),
		routes:   routes,
		circuits: circuits,
		kv:       kvStore,
	}
}

func (f *proxyFixture) forward(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	route := f.routes.Find(path)
	require.NotNil(t, route)
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.proxy.Forward(rec, req, route, f.circuits.Get(route.Service), nil, time.Now())
	return rec
}

func TestForward_RetriesOn5xxUpToBudget(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream, Route{Service: "chat", Prefix: "/messages", Retries: 3})

	rec := f.forward(t, http.MethodGet, "/messages")

	assert.Equal(t, http.StatusBadGateway, rec.Code, "exhausted retries surface as bad gateway")
	assert.Equal(t, int64(4), hits.Load(), "retries=3 means at most 4 attempts")
}

func TestForward_4xxNeverRetried(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream, Route{Service: "chat", Prefix: "/messages", Retries: 3})

	rec := f.forward(t, http.MethodGet, "/messages")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int64(1), hits.Load(), "4xx is the upstream's final answer")
}

func TestForward_SucceedsAfterTransientFailure(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream, Route{Service: "chat", Prefix: "/messages", Retries: 3})

	rec := f.forward(t, http.MethodGet, "/messages")

	assert.Equal(t, http.StatusOK, rec.Code, "client never sees an internal retry")
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, int64(3), hits.Load())
}

func TestForward_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	// Zero retries so each Forward records exactly one breaker failure.
	f := newProxyFixture(t, upstream, Route{Service: "payment", Prefix: "/payments"})
	require.Equal(t, 0, f.routes.RetriesFor(f.routes.Find("/payments")))

	for i := 0; i < 5; i++ {
		f.forward(t, http.MethodGet, "/payments")
	}

	breaker := f.circuits.Get("payment")
	assert.Equal(t, resilience.StateOpen, breaker.State(), "five consecutive failures open the circuit")
	assert.Equal(t, resilience.ErrCircuitOpen, breaker.Allow())
}

func TestForward_CachesGETAndServesHit(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":"alice"}`))
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream, Route{Service: "user-management", Prefix: "/profiles", CacheTTL: time.Minute})

	rec := f.forward(t, http.MethodGet, "/profiles/alice")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	// The stored entry now serves without touching the upstream.
	req := httptest.NewRequest(http.MethodGet, "/profiles/alice", nil)
	rec = httptest.NewRecorder()
	require.True(t, f.proxy.ServeFromCache(rec, req))
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, `{"user":"alice"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestForward_AttachesObservabilityHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f := newProxyFixture(t, upstream, Route{Service: "chat", Prefix: "/messages"})

	rec := f.forward(t, http.MethodGet, "/messages")
	assert.NotEmpty(t, rec.Header().Get("X-Response-Time"))
}
