package chat

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/identity"
)

// Handlers exposes the REST surface of the chat service.
type Handlers struct {
	service *Service
}

// NewHandlers wires the REST handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// Register mounts the chat routes. The router is expected to carry the
// identity middleware already.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/messages",
		identity.HandleJSONWithUser(http.StatusCreated, h.sendMessage)).Methods(http.MethodPost)
	r.HandleFunc("/messages/history", h.history).Methods(http.MethodGet)
	r.HandleFunc("/messages/{message_id}",
		identity.HandleUUIDWithUser("message_id", http.StatusOK, h.editMessage)).Methods(http.MethodPut)
	r.HandleFunc("/messages/{message_id}",
		identity.HandleUUIDNoBodyWithUser("message_id", http.StatusOK, h.deleteMessage)).Methods(http.MethodDelete)
}

func (h *Handlers) sendMessage(ctx context.Context, actor identity.Actor, req *SendRequest) (*store.Message, error) {
	return h.service.Send(ctx, actor.ID, actor.Username, *req)
}

type editRequest struct {
	Body string `json:"body"`
}

func (h *Handlers) editMessage(ctx context.Context, actor identity.Actor, msgID uuid.UUID, req *editRequest) (*store.Message, error) {
	return h.service.Edit(ctx, msgID, actor.ID, req.Body)
}

func (h *Handlers) deleteMessage(ctx context.Context, actor identity.Actor, msgID uuid.UUID) (map[string]bool, error) {
	if err := h.service.Delete(ctx, msgID, actor.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

// history stays hand-rolled: its inputs are query-string paging parameters,
// not a JSON body.
func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := HistoryRequest{Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		if n, convErr := parsePositiveInt(raw); convErr == nil {
			req.Limit = n
		}
	}
	req.PeerID = parseOptionalUUID(q.Get("peer_id"))
	req.SessionID = parseOptionalUUID(q.Get("session_id"))
	req.GroupID = parseOptionalUUID(q.Get("group_id"))
	req.Before = parseOptionalUUID(q.Get("before"))

	page, err := h.service.History(r.Context(), actor.ID, req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, page)
}

func parseOptionalUUID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidFormat("limit", "integer")
	}
	return n, nil
}
