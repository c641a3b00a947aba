package video

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/identity"
)

// Handlers exposes the REST surface of the video service.
type Handlers struct {
	signaling *Signaling
	calls     *CallManager
}

// NewHandlers wires the REST handlers.
func NewHandlers(signaling *Signaling, calls *CallManager) *Handlers {
	return &Handlers{signaling: signaling, calls: calls}
}

// Register mounts the call routes behind the identity middleware.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/calls",
		identity.HandleJSONWithUser(http.StatusCreated, h.initiateCall)).Methods(http.MethodPost)
	r.HandleFunc("/calls/ice-servers",
		identity.HandleNoBodyWithUser(http.StatusOK, h.iceServers)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{call_id}",
		identity.HandleUUIDNoBodyWithUser("call_id", http.StatusOK, h.getCall)).Methods(http.MethodGet)
	r.HandleFunc("/calls/{call_id}/answer",
		identity.HandleUUIDWithUser("call_id", http.StatusOK, h.answerCall)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/reject",
		identity.HandleUUIDWithUser("call_id", http.StatusOK, h.rejectCall)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/cancel",
		identity.HandleUUIDNoBodyWithUser("call_id", http.StatusOK, h.cancelCall)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/end",
		identity.HandleUUIDNoBodyWithUser("call_id", http.StatusOK, h.endCall)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/ice",
		identity.HandleUUIDWithUser("call_id", http.StatusOK, h.addIceCandidate)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/quality",
		identity.HandleUUIDWithUser("call_id", http.StatusOK, h.qualityReport)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/screen-share",
		identity.HandleUUIDWithUser("call_id", http.StatusOK, h.startScreenShare)).Methods(http.MethodPost)
	r.HandleFunc("/calls/{call_id}/screen-share",
		identity.HandleUUIDNoBodyWithUser("call_id", http.StatusOK, h.stopScreenShare)).Methods(http.MethodDelete)
}

type initiateCallRequest struct {
	CalleeID  uuid.UUID      `json:"callee_id"`
	SessionID *uuid.UUID     `json:"session_id,omitempty"`
	Kind      store.CallKind `json:"call_type"`
	SDPOffer  string         `json:"sdp_offer"`
}

type callResponse struct {
	Call       *ActiveCall `json:"call"`
	IceServers []IceServer `json:"ice_servers"`
}

func (h *Handlers) initiateCall(ctx context.Context, actor identity.Actor, req *initiateCallRequest) (callResponse, error) {
	kind := req.Kind
	if kind == "" {
		kind = store.CallVideo
	}

	call, err := h.signaling.Offer(ctx, actor.ID, actor.Username, req.CalleeID, req.SessionID, kind, req.SDPOffer)
	if err != nil {
		return callResponse{}, err
	}
	return callResponse{
		Call:       call,
		IceServers: h.signaling.GetIceServers(actor.ID),
	}, nil
}

func (h *Handlers) getCall(ctx context.Context, actor identity.Actor, callID uuid.UUID) (*ActiveCall, error) {
	call, err := h.calls.Get(callID)
	if err != nil {
		return nil, err
	}
	if !call.HasParticipant(actor.ID) && call.CalleeID != actor.ID {
		return nil, apperrors.NotParticipant("call")
	}
	return call, nil
}

type answerRequest struct {
	SDPAnswer string `json:"sdp_answer"`
}

func (h *Handlers) answerCall(ctx context.Context, actor identity.Actor, callID uuid.UUID, req *answerRequest) (map[string]string, error) {
	if err := h.signaling.Answer(ctx, callID, actor.ID, actor.Username, req.SDPAnswer); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(store.CallConnecting)}, nil
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) rejectCall(ctx context.Context, actor identity.Actor, callID uuid.UUID, req *rejectRequest) (map[string]string, error) {
	if err := h.signaling.Reject(ctx, callID, actor.ID, req.Reason); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(store.CallRejected)}, nil
}

func (h *Handlers) cancelCall(ctx context.Context, actor identity.Actor, callID uuid.UUID) (map[string]string, error) {
	if err := h.signaling.Cancel(ctx, callID, actor.ID); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(store.CallCancelled)}, nil
}

func (h *Handlers) endCall(ctx context.Context, actor identity.Actor, callID uuid.UUID) (map[string]string, error) {
	if err := h.signaling.End(ctx, callID, actor.ID); err != nil {
		return nil, err
	}
	return map[string]string{"state": string(store.CallEnded)}, nil
}

type iceCandidateRequest struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

func (h *Handlers) addIceCandidate(ctx context.Context, actor identity.Actor, callID uuid.UUID, req *iceCandidateRequest) (map[string]bool, error) {
	if err := h.signaling.IceCandidate(ctx, callID, actor.ID, req.Candidate, req.SDPMid, req.SDPMLineIndex); err != nil {
		return nil, err
	}
	return map[string]bool{"forwarded": true}, nil
}

func (h *Handlers) qualityReport(ctx context.Context, actor identity.Actor, callID uuid.UUID, req *QualityMetrics) (map[string]bool, error) {
	if err := h.signaling.QualityReport(ctx, callID, actor.ID, *req); err != nil {
		return nil, err
	}
	return map[string]bool{"recorded": true}, nil
}

type screenShareRequest struct {
	SDP string `json:"sdp,omitempty"`
}

func (h *Handlers) startScreenShare(ctx context.Context, actor identity.Actor, callID uuid.UUID, req *screenShareRequest) (map[string]bool, error) {
	if err := h.signaling.StartScreenShare(ctx, callID, actor.ID, req.SDP); err != nil {
		return nil, err
	}
	return map[string]bool{"sharing": true}, nil
}

func (h *Handlers) stopScreenShare(ctx context.Context, actor identity.Actor, callID uuid.UUID) (map[string]bool, error) {
	if err := h.signaling.StopScreenShare(ctx, callID, actor.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"sharing": false}, nil
}

func (h *Handlers) iceServers(ctx context.Context, actor identity.Actor) ([]IceServer, error) {
	return h.signaling.GetIceServers(actor.ID), nil
}
