package saga

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/services/identity"
)

// Handlers exposes the saga trigger and status endpoints.
type Handlers struct {
	coordinator *Coordinator
	endpoints   ServiceEndpoints
}

// NewHandlers wires the REST handlers.
func NewHandlers(coordinator *Coordinator, endpoints ServiceEndpoints) *Handlers {
	return &Handlers{coordinator: coordinator, endpoints: endpoints}
}

// EndpointsFromEnv reads the action base URLs.
func EndpointsFromEnv() ServiceEndpoints {
	return ServiceEndpoints{
		Payment:  config.GetEnv("PAYMENT_SERVICE_URL", "http://payment:8080"),
		Meetings: config.GetEnv("MEETINGS_SERVICE_URL", "http://meetings:8080"),
		Notify:   config.GetEnv("NOTIFICATIONS_SERVICE_URL", "http://notifications:8080"),
	}
}

// Register mounts the saga routes behind the identity middleware.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/sagas/bookings",
		identity.HandleJSONWithUser(http.StatusCreated, h.startBooking)).Methods(http.MethodPost)
	r.HandleFunc("/sagas/{saga_id}",
		identity.HandleUUIDNoBodyWithUser("saga_id", http.StatusOK, h.getSaga)).Methods(http.MethodGet)
}

func (h *Handlers) startBooking(ctx context.Context, actor identity.Actor, req *BookingRequest) (*Saga, error) {
	if req.MenteeID == uuid.Nil || req.MentorID == uuid.Nil {
		return nil, apperrors.MissingParameter("mentee_id/mentor_id")
	}
	// The actor books on their own behalf.
	if req.MenteeID != actor.ID && !actor.Claims.IsAdmin() {
		return nil, apperrors.Forbidden("cannot book for another user")
	}

	s := NewBookingSaga(*req, h.endpoints)
	return h.coordinator.Run(ctx, s)
}

func (h *Handlers) getSaga(ctx context.Context, actor identity.Actor, sagaID uuid.UUID) (*Saga, error) {
	return h.coordinator.Load(ctx, sagaID)
}
