// Package gateway implements the API gateway: the security gate, route
// table, auth gate, rate limits, response cache, circuit breakers, and the
// retry-aware reverse proxy in front of the backend services.
package gateway

import (
	"strings"
	"time"
)

// Route maps a path prefix to a backend service with per-route overrides.
// The most specific (longest) prefix wins.
type Route struct {
	Service     string
	Prefix      string
	StripPrefix bool
	Timeout     time.Duration
	Retries     int
	CacheTTL    time.Duration // zero disables caching
}

// ServiceTarget is one backend service with its instance list.
type ServiceTarget struct {
	Name      string
	Instances []Instance
	Timeout   time.Duration
	Retries   int
}

// Instance is one addressable backend instance.
type Instance struct {
	BaseURL string
	Weight  int
}

// RouteTable resolves paths to routes and services.
type RouteTable struct {
	routes   []Route
	services map[string]*ServiceTarget
}

// NewRouteTable builds a table from routes and service targets.
func NewRouteTable(routes []Route, services []*ServiceTarget) *RouteTable {
	byName := make(map[string]*ServiceTarget, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}
	return &RouteTable{routes: routes, services: byName}
}

// DefaultRoutes returns the platform route set.
func DefaultRoutes() []Route {
	return []Route{
		// User management
		{Service: "user-management", Prefix: "/auth"},
		{Service: "user-management", Prefix: "/users", CacheTTL: 5 * time.Minute},
		{Service: "user-management", Prefix: "/profiles", CacheTTL: 10 * time.Minute},
		{Service: "user-management", Prefix: "/mentor-profiles", CacheTTL: 10 * time.Minute},
		{Service: "user-management", Prefix: "/mentee-profiles", CacheTTL: 10 * time.Minute},
		{Service: "user-management", Prefix: "/payment-methods"},

		// Chat
		{Service: "chat", Prefix: "/chat", Timeout: 60 * time.Second, Retries: 2},
		{Service: "chat", Prefix: "/messages", Timeout: 30 * time.Second, Retries: 3, CacheTTL: time.Minute},

		// Video
		{Service: "video", Prefix: "/video", Timeout: 120 * time.Second, Retries: 1},
		{Service: "video", Prefix: "/calls", Timeout: 120 * time.Second, Retries: 1},

		// Meetings
		{Service: "meetings", Prefix: "/meetings", CacheTTL: 5 * time.Minute},
		{Service: "meetings", Prefix: "/sessions", CacheTTL: 5 * time.Minute},

		// Payments: never retried (see RetriesFor below); only /subscriptions
		// responses are cached.
		{Service: "payment", Prefix: "/payments", Timeout: 60 * time.Second},
		{Service: "payment", Prefix: "/transactions", Timeout: 45 * time.Second},
		{Service: "payment", Prefix: "/subscriptions", Timeout: 45 * time.Second, CacheTTL: 5 * time.Minute},

		// Safety & moderation
		{Service: "safety", Prefix: "/safety", Timeout: 10 * time.Second, Retries: 3, CacheTTL: time.Minute},
		{Service: "safety", Prefix: "/moderation", Timeout: 15 * time.Second, Retries: 3},

		// Notifications
		{Service: "notifications", Prefix: "/notifications", Timeout: 30 * time.Second, Retries: 2},
		{Service: "notifications", Prefix: "/preferences", Timeout: 15 * time.Second, Retries: 3, CacheTTL: 5 * time.Minute},

		// Analytics
		{Service: "analytics", Prefix: "/analytics", Timeout: 60 * time.Second, Retries: 2, CacheTTL: 5 * time.Minute},
		{Service: "analytics", Prefix: "/dashboards", Timeout: 45 * time.Second, Retries: 2, CacheTTL: 10 * time.Minute},
		{Service: "analytics", Prefix: "/reports", Timeout: 120 * time.Second, Retries: 1, CacheTTL: 30 * time.Minute},

		// Video lectures
		{Service: "video-lectures", Prefix: "/lectures", Timeout: 60 * time.Second, Retries: 2, CacheTTL: 10 * time.Minute},
		{Service: "video-lectures", Prefix: "/uploads", Timeout: 5 * time.Minute, Retries: 1},
	}
}

// Find returns the most specific route for path, or nil.
func (t *RouteTable) Find(path string) *Route {
	var best *Route
	bestLen := 0
	for i := range t.routes {
		route := &t.routes[i]
		if strings.HasPrefix(path, route.Prefix) && len(route.Prefix) > bestLen {
			best = route
			bestLen = len(route.Prefix)
		}
	}
	return best
}

// Service returns the target for a route.
func (t *RouteTable) Service(name string) *ServiceTarget {
	return t.services[name]
}

// TimeoutFor resolves the route timeout with service and global fallbacks.
func (t *RouteTable) TimeoutFor(route *Route) time.Duration {
	if route.Timeout > 0 {
		return route.Timeout
	}
	if svc := t.services[route.Service]; svc != nil && svc.Timeout > 0 {
		return svc.Timeout
	}
	return 30 * time.Second
}

// RetriesFor resolves the route retry budget. Payment-class routes never
// retry regardless of configuration.
func (t *RouteTable) RetriesFor(route *Route) int {
	if route.Service == "payment" {
		return 0
	}
	if route.Retries > 0 {
		return route.Retries
	}
	if svc := t.services[route.Service]; svc != nil && svc.Retries > 0 {
		return svc.Retries
	}
	return 3
}

// ShouldCache reports whether a GET on this route is cacheable.
func (t *RouteTable) ShouldCache(route *Route, method string) bool {
	return method == "GET" && route.CacheTTL > 0
}

// SupportsWebSocket reports whether the path hosts upgrade traffic.
func (t *RouteTable) SupportsWebSocket(path string) bool {
	for _, prefix := range []string{"/chat", "/video", "/calls", "/meetings", "/ws"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
