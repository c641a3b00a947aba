package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	claims := &Claims{
		Username: "alice",
		Roles:    []store.Role{store.RoleMentee},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: uuid.NewString(),
		},
	}
	return req.WithContext(WithClaims(req.Context(), claims))
}

type echoRequest struct {
	Body string `json:"body"`
}

func TestHandleJSONWithUser_HappyPath(t *testing.T) {
	handler := HandleJSONWithUser(http.StatusCreated,
		func(ctx context.Context, actor Actor, req *echoRequest) (map[string]string, error) {
			require.Equal(t, "alice", actor.Username)
			require.NotEqual(t, uuid.Nil, actor.ID)
			return map[string]string{"echo": req.Body}, nil
		})

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(t, http.MethodPost, "/things", `{"body":"hi"}`))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"echo":"hi"`)
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestHandleJSONWithUser_MissingClaims(t *testing.T) {
	handler := HandleJSONWithUser(http.StatusOK,
		func(ctx context.Context, actor Actor, req *echoRequest) (map[string]string, error) {
			t.Fatal("fn must not run without claims")
			return nil, nil
		})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleJSONWithUser_ServiceErrorMapped(t *testing.T) {
	handler := HandleJSONWithUser(http.StatusOK,
		func(ctx context.Context, actor Actor, req *echoRequest) (map[string]string, error) {
			return nil, apperrors.RateLimited(60, "1m")
		})

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(t, http.MethodPost, "/things", `{}`))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleUUIDNoBodyWithUser_PathVar(t *testing.T) {
	want := uuid.New()

	router := mux.NewRouter()
	router.HandleFunc("/things/{thing_id}",
		HandleUUIDNoBodyWithUser("thing_id", http.StatusOK,
			func(ctx context.Context, actor Actor, id uuid.UUID) (map[string]string, error) {
				assert.Equal(t, want, id)
				return map[string]string{"id": id.String()}, nil
			})).Methods(http.MethodGet)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/things/"+want.String(), ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A non-UUID segment is rejected before fn runs.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/things/not-a-uuid", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
