package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BookingRequest parameterizes the session-booking saga.
type BookingRequest struct {
	MenteeID    uuid.UUID `json:"mentee_id"`
	MentorID    uuid.UUID `json:"mentor_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DurationMin int       `json:"duration_minutes"`
}

// ServiceEndpoints maps service names to their base URLs for saga actions.
type ServiceEndpoints struct {
	Payment  string
	Meetings string
	Notify   string
}

// NewBookingSaga builds the session-booking workflow:
// hold escrow → create session → notify parties, with escrow release and
// session cancellation as compensations. Notification has no compensation
// of its own; if it fails after its retries, the saga fails and the escrow
// and session steps are compensated.
func NewBookingSaga(req BookingRequest, endpoints ServiceEndpoints) *Saga {
	s := New("session_booking")
	s.ActorID = &req.MenteeID

	escrowPayload, _ := json.Marshal(map[string]interface{}{
		"payer_id":     req.MenteeID,
		"payee_id":     req.MentorID,
		"amount_cents": req.AmountCents,
		"currency":     req.Currency,
		"reference":    s.ID,
	})
	releasePayload, _ := json.Marshal(map[string]interface{}{
		"reference": s.ID,
	})
	s.AddStep(NewStep("hold_escrow", "payment",
		Action{Endpoint: endpoints.Payment + "/payments/escrow/hold", Method: "POST", Payload: escrowPayload},
		&Action{Endpoint: endpoints.Payment + "/payments/escrow/release", Method: "POST", Payload: releasePayload},
	).WithTimeout(60))

	sessionPayload, _ := json.Marshal(map[string]interface{}{
		"mentee_id":        req.MenteeID,
		"mentor_id":        req.MentorID,
		"scheduled_at":     req.ScheduledAt,
		"duration_minutes": req.DurationMin,
		"booking_ref":      s.ID,
	})
	cancelPayload, _ := json.Marshal(map[string]interface{}{
		"booking_ref": s.ID,
	})
	s.AddStep(NewStep("create_session", "meetings",
		Action{Endpoint: endpoints.Meetings + "/sessions", Method: "POST", Payload: sessionPayload},
		&Action{Endpoint: endpoints.Meetings + "/sessions/cancel", Method: "POST", Payload: cancelPayload},
	))

	notifyPayload, _ := json.Marshal(map[string]interface{}{
		"recipients": []uuid.UUID{req.MenteeID, req.MentorID},
		"template":   "session_booked",
		"booking_ref": s.ID,
	})
	s.AddStep(NewStep("notify_parties", "notifications",
		Action{Endpoint: endpoints.Notify + "/notifications/send", Method: "POST", Payload: notifyPayload},
		nil,
	).WithMaxRetries(2))

	return s
}
