package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

func testTable() *RouteTable {
	return NewRouteTable(DefaultRoutes(), []*ServiceTarget{
		{Name: "user-management", Instances: []Instance{{BaseURL: "http://users:8080"}}},
		{Name: "payment", Instances: []Instance{{BaseURL: "http://payment:8080"}}, Retries: 5},
	})
}

func TestFind_LongestPrefixWins(t *testing.T) {
	table := testTable()

	route := table.Find("/users/search")
	require.NotNil(t, route)
	assert.Equal(t, "user-management", route.Service)

	route = table.Find("/mentor-profiles/abc")
	require.NotNil(t, route)
	assert.Equal(t, "/mentor-profiles", route.Prefix, "must not match the shorter /mentor prefix set")

	assert.Nil(t, table.Find("/nonexistent"))
}

func TestRetriesFor_PaymentNeverRetries(t *testing.T) {
	table := testTable()

	route := table.Find("/payments/charge")
	require.NotNil(t, route)
	assert.Equal(t, 0, table.RetriesFor(route), "payment routes get retries=0 regardless of configuration")

	route = table.Find("/messages")
	require.NotNil(t, route)
	assert.Equal(t, 3, table.RetriesFor(route))
}

func TestShouldCache_GETOnly(t *testing.T) {
	table := testTable()

	route := table.Find("/profiles/123")
	require.NotNil(t, route)
	assert.True(t, table.ShouldCache(route, "GET"))
	assert.False(t, table.ShouldCache(route, "POST"))

	route = table.Find("/payments/charge")
	require.NotNil(t, route)
	assert.False(t, table.ShouldCache(route, "GET"), "payment operations are never cached")
}

func TestTimeoutFor_RouteOverridesService(t *testing.T) {
	table := testTable()

	route := table.Find("/calls/abc")
	require.NotNil(t, route)
	assert.Equal(t, 120*time.Second, table.TimeoutFor(route))

	route = table.Find("/auth/login")
	require.NotNil(t, route)
	assert.Equal(t, 30*time.Second, table.TimeoutFor(route), "default timeout")
}

func TestAuthRules_Matrix(t *testing.T) {
	rules := DefaultAuthRules()

	assert.True(t, rules.IsPublic("/auth/login"))
	assert.True(t, rules.IsPublic("/health"))
	assert.False(t, rules.IsPublic("/auth/logout"), "longest prefix must win over /auth")
	assert.False(t, rules.IsPublic("/messages"))

	rule := rules.RuleFor("/mentor-profiles/xyz")
	require.NotNil(t, rule)
	require.NotNil(t, rule.RequiredRole)
	assert.Equal(t, store.RoleMentor, *rule.RequiredRole)
	assert.True(t, rule.RequiresActiveRole)
	assert.True(t, rule.SelfAccessOnly)

	rule = rules.RuleFor("/users/search")
	require.NotNil(t, rule)
	require.NotNil(t, rule.RequiredRole)
	assert.Equal(t, store.RoleAdmin, *rule.RequiredRole)
}

func TestUserIDFromPath(t *testing.T) {
	id := uuid.New()

	got, ok := UserIDFromPath("/users/" + id.String())
	require.True(t, ok)
	assert.Equal(t, id, got)

	got, ok = UserIDFromPath("/profiles/" + id.String() + "/settings")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = UserIDFromPath("/users/search")
	assert.False(t, ok, "non-uuid segments carry no user id")

	_, ok = UserIDFromPath("/messages/123")
	assert.False(t, ok)
}
