package identity

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
)

// Actor is the authenticated caller of a handler, extracted from the claims
// the middleware verified.
type Actor struct {
	ID       uuid.UUID
	Username string
	Claims   *Claims
}

// ActorFromRequest resolves the caller from the request context, writing the
// auth error itself. Returns false when the caller should stop processing.
// Handlers with non-JSON inputs (query-string paging, uploads) use this
// directly; everything else goes through the Handle* wrappers below.
func ActorFromRequest(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteServiceError(w, r, apperrors.Unauthorized("authentication required"))
		return Actor{}, false
	}
	userID, err := claims.UserID()
	if err != nil {
		httputil.WriteServiceError(w, r, apperrors.Unauthorized("malformed subject"))
		return Actor{}, false
	}
	return Actor{ID: userID, Username: claims.Username, Claims: claims}, true
}

// HandleJSONWithUser decodes a JSON request body into Req, resolves the
// actor, calls fn, and writes the result in the response envelope. It
// eliminates the repeated authorize → decode → execute → respond boilerplate.
func HandleJSONWithUser[Req any, Resp any](
	status int,
	fn func(ctx context.Context, actor Actor, req *Req) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromRequest(w, r)
		if !ok {
			return
		}
		var req Req
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), actor, &req)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, status, resp)
	}
}

// HandleNoBodyWithUser handles requests that carry no JSON body (typically
// GET). It resolves the actor, calls fn, and writes the result.
func HandleNoBodyWithUser[Resp any](
	status int,
	fn func(ctx context.Context, actor Actor) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromRequest(w, r)
		if !ok {
			return
		}
		resp, err := fn(r.Context(), actor)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, status, resp)
	}
}

// HandleUUIDWithUser is HandleJSONWithUser plus a UUID path variable,
// covering the /{resource_id} routes.
func HandleUUIDWithUser[Req any, Resp any](
	pathVar string,
	status int,
	fn func(ctx context.Context, actor Actor, id uuid.UUID, req *Req) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromRequest(w, r)
		if !ok {
			return
		}
		id, err := uuid.Parse(mux.Vars(r)[pathVar])
		if err != nil {
			httputil.WriteServiceError(w, r, apperrors.InvalidFormat(pathVar, "uuid"))
			return
		}
		var req Req
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), actor, id, &req)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, status, resp)
	}
}

// HandleUUIDNoBodyWithUser is HandleNoBodyWithUser plus a UUID path variable.
func HandleUUIDNoBodyWithUser[Resp any](
	pathVar string,
	status int,
	fn func(ctx context.Context, actor Actor, id uuid.UUID) (Resp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromRequest(w, r)
		if !ok {
			return
		}
		id, err := uuid.Parse(mux.Vars(r)[pathVar])
		if err != nil {
			httputil.WriteServiceError(w, r, apperrors.InvalidFormat(pathVar, "uuid"))
			return
		}
		resp, err := fn(r.Context(), actor, id)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, status, resp)
	}
}
