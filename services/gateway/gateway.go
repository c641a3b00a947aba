package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/cache"
	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/resilience"
	"github.com/linkwithmentor/platform/services/identity"
)

// Gateway is the request pipeline in front of the backend fleet. Stage order
// is observable: security gate, route lookup, auth gate, user rate limit,
// cache, circuit check, retrying proxy, circuit update, response write.
type Gateway struct {
	cfg      config.GatewayConfig
	tokens   *identity.TokenService
	kv       kv.Store
	routes   *RouteTable
	rules    *AuthRules
	security *SecurityGate
	balancer *LoadBalancer
	circuits *resilience.Registry
	proxy    *Proxy

	tokenCache *cache.Cache

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New assembles the gateway.
func New(cfg config.GatewayConfig, tokens *identity.TokenService, kvStore kv.Store, routes *RouteTable, balancer *LoadBalancer, logger *logging.Logger, m *metrics.Metrics) *Gateway {
	circuits := resilience.NewRegistry(resilience.Config{
		MaxFailures: cfg.CircuitMaxFailures,
		Cooldown:    cfg.CircuitCooldown,
		ProbeQuota:  cfg.CircuitProbeQuota,
	})

	g := &Gateway{
		cfg:      cfg,
		tokens:   tokens,
		kv:       kvStore,
		routes:   routes,
		rules:    DefaultAuthRules(),
		security: NewSecurityGate(kvStore, cfg, logger),
		balancer: balancer,
		circuits: circuits,
		tokenCache: cache.New(cache.Config{
			DefaultTTL:      cfg.TokenCacheTTL,
			MaxSize:         10000,
			CleanupInterval: time.Minute,
		}),
		logger:  logger,
		metrics: m,
	}
	g.proxy = NewProxy(routes, balancer, circuits, kvStore, logger, m)
	return g
}

// Circuits exposes the breaker registry (mirrored to KV by the sweep loop).
func (g *Gateway) Circuits() *resilience.Registry { return g.circuits }

// ServeHTTP runs the pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientIP := httputil.ClientIP(r)

	// 1. Security gate.
	if err := g.security.Check(r); err != nil {
		g.reject(w, r, err, start)
		return
	}

	// 2. Route lookup.
	route := g.routes.Find(r.URL.Path)
	if route == nil {
		g.reject(w, r, apperrors.NotFound("route", r.URL.Path), start)
		return
	}

	// 3. Auth gate.
	claims, err := g.authenticate(r, clientIP)
	if err != nil {
		g.reject(w, r, err, start)
		return
	}

	// 4. Per-user rate limit, backed by shared counters so every gateway
	// instance draws from the same budget. Authenticated callers get a
	// deeper bucket than anonymous IPs.
	limitKey := "user_rate_limit:ip:" + clientIP
	limit := g.cfg.UserRateLimit
	if claims != nil {
		limitKey = "user_rate_limit:" + claims.Subject
		if g.cfg.AuthedRateMultiplier > 1 {
			limit *= g.cfg.AuthedRateMultiplier
		}
	}
	allowed, limitErr := g.kv.CheckRateLimit(r.Context(), limitKey, int64(limit), time.Second)
	if limitErr != nil {
		g.logger.WithContext(r.Context()).WithError(limitErr).Warn("User rate limit check failed")
	} else if !allowed {
		g.reject(w, r, apperrors.RateLimited(limit, "1s"), start)
		return
	}

	// 5. Cache lookup (GET only).
	if g.routes.ShouldCache(route, r.Method) {
		if g.proxy.ServeFromCache(w, r) {
			g.record(r, http.StatusOK, start)
			return
		}
	}

	// 6. Circuit check.
	breaker := g.circuits.Get(route.Service)
	if err := breaker.Allow(); err != nil {
		g.reject(w, r, apperrors.CircuitOpen(route.Service), start)
		return
	}

	// 7-9. Proxy with retries; the proxy reports the outcome back to the
	// breaker and writes the response with observability headers.
	status := g.proxy.Forward(w, r, route, breaker, claims, start)
	g.record(r, status, start)
}

// authenticate runs the auth gate for the matched rule. A nil claims return
// with nil error means the route is public.
func (g *Gateway) authenticate(r *http.Request, clientIP string) (*identity.Claims, error) {
	rule := g.rules.RuleFor(r.URL.Path)
	requiresAuth := rule == nil || rule.RequiresAuth
	if !requiresAuth {
		return nil, nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") || len(header) <= 7 {
		g.security.RecordFailedAuth(r.Context(), clientIP)
		return nil, apperrors.Unauthorized("missing bearer token")
	}
	token := header[7:]

	claims, err := g.verifyToken(r.Context(), token)
	if err != nil {
		g.security.RecordFailedAuth(r.Context(), clientIP)
		return nil, err
	}
	g.security.ClearFailedAuth(r.Context(), clientIP)

	if rule != nil {
		if rule.RequiredRole != nil {
			if !claims.HasRole(*rule.RequiredRole) {
				return nil, apperrors.RoleRequired(string(*rule.RequiredRole))
			}
			if rule.RequiresActiveRole {
				if claims.ActiveRole == nil || *claims.ActiveRole != *rule.RequiredRole {
					return nil, apperrors.Forbidden("active role mismatch").
						WithDetails("required", string(*rule.RequiredRole))
				}
			}
		}
		if rule.SelfAccessOnly {
			if resourceUser, ok := UserIDFromPath(r.URL.Path); ok {
				if err := authorizeSelfAccess(claims, resourceUser); err != nil {
					return nil, err
				}
			}
		}
	}
	return claims, nil
}

// verifyToken memoizes Verify results briefly; revocation latency is bounded
// by the cache TTL.
func (g *Gateway) verifyToken(ctx context.Context, token string) (*identity.Claims, error) {
	if cached, ok := g.tokenCache.Get(token); ok {
		if claims, ok := cached.(*identity.Claims); ok {
			return claims, nil
		}
	}
	claims, err := g.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	g.tokenCache.Set(token, claims, 0)
	return claims, nil
}

func authorizeSelfAccess(claims *identity.Claims, resourceUser uuid.UUID) error {
	if claims.IsAdmin() {
		return nil
	}
	if claims.Subject == resourceUser.String() {
		return nil
	}
	return apperrors.Forbidden("access denied to this resource")
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status := apperrors.GetHTTPStatus(err)
	w.Header().Set("X-Response-Time", time.Since(start).String())
	httputil.WriteServiceError(w, r, err)
	g.record(r, status, start)
}

func (g *Gateway) record(r *http.Request, status int, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordHTTPRequest("gateway", r.Method, routeLabel(r.URL.Path), strconv.Itoa(status), time.Since(start))
}

// routeLabel collapses paths to their first segment to bound metric
// cardinality.
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return "/" + trimmed[:i]
	}
	return "/" + trimmed
}
