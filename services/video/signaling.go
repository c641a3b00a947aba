package video

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/bus"
	"github.com/linkwithmentor/platform/services/registry"
)

// signalPayload crosses instances on the webrtc topics. Receivers deliver
// the frame to whichever targets are connected locally.
type signalPayload struct {
	Frame   SignalingFrame `json:"frame"`
	Targets []uuid.UUID    `json:"targets"`
}

const kindSignal = "signal"

// Signaling coordinates call setup and teardown: it owns the authorization
// checks, drives the call state machine, and relays frames to participants
// on this and peer instances.
type Signaling struct {
	calls   *CallManager
	reg     *registry.Registry
	bus     *bus.Bus
	turn    *TURNProvider
	logger  *logging.Logger
	metrics *metrics.Metrics

	stop func()
}

// NewSignaling wires the service and subscribes the webrtc topics.
func NewSignaling(ctx context.Context, calls *CallManager, reg *registry.Registry, b *bus.Bus, turn *TURNProvider, logger *logging.Logger, m *metrics.Metrics) (*Signaling, error) {
	s := &Signaling{
		calls:   calls,
		reg:     reg,
		bus:     b,
		turn:    turn,
		logger:  logger,
		metrics: m,
	}

	stop, err := b.Subscribe(ctx, s.handleRemote, bus.TopicSignaling, bus.TopicICE, bus.TopicMedia)
	if err != nil {
		return nil, err
	}
	s.stop = stop
	return s, nil
}

// Close tears down the topic subscriptions.
func (s *Signaling) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Offer creates a call and rings the callee. The caller must not be in
// another call.
func (s *Signaling) Offer(ctx context.Context, callerID uuid.UUID, callerUsername string, calleeID uuid.UUID, sessionID *uuid.UUID, kind store.CallKind, sdp string) (*ActiveCall, error) {
	if sdp == "" {
		return nil, apperrors.MissingParameter("sdp")
	}
	if callerID == calleeID {
		return nil, apperrors.Validation("callee_id", "cannot call yourself")
	}

	call, err := s.calls.CreateCall(ctx, callerID, calleeID, sessionID, kind, callerUsername)
	if err != nil {
		return nil, err
	}

	frame := &SignalingFrame{
		Type:      SignalCallOffer,
		CallID:    &call.ID,
		CallerID:  &callerID,
		CalleeID:  &calleeID,
		SessionID: sessionID,
		Kind:      kind,
		SDP:       sdp,
		Username:  callerUsername,
	}
	s.route(ctx, bus.TopicSignaling, frame, calleeID)

	if err := s.calls.Transition(ctx, call.ID, store.CallRinging); err != nil {
		return nil, err
	}
	call.State = store.CallRinging
	return call, nil
}

// Answer is allowed only by the callee while Ringing or Connecting.
func (s *Signaling) Answer(ctx context.Context, callID, by uuid.UUID, byUsername, sdp string) error {
	if sdp == "" {
		return apperrors.MissingParameter("sdp")
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if call.CalleeID != by {
		return apperrors.Forbidden("only the callee may answer")
	}
	if call.State != store.CallRinging && call.State != store.CallConnecting {
		return apperrors.Conflict("call is not answerable").
			WithDetails("state", string(call.State))
	}

	if err := s.calls.AddParticipant(ctx, callID, by, byUsername); err != nil {
		return err
	}

	frame := &SignalingFrame{
		Type:          SignalCallAnswer,
		CallID:        &callID,
		ParticipantID: &by,
		SDP:           sdp,
	}
	s.route(ctx, bus.TopicSignaling, frame, call.CallerID)

	// The media plane confirms Connected via the first quality report; the
	// periodic grace sweep covers clients that never report.
	return s.calls.Transition(ctx, callID, store.CallConnecting)
}

// Reject is allowed only by the callee during the ringing window.
func (s *Signaling) Reject(ctx context.Context, callID, by uuid.UUID, reason string) error {
	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if call.CalleeID != by {
		return apperrors.Forbidden("only the callee may reject")
	}

	frame := &SignalingFrame{
		Type:   SignalCallReject,
		CallID: &callID,
		Reason: reason,
	}
	s.route(ctx, bus.TopicSignaling, frame, call.CallerID)

	return s.calls.EndCall(ctx, callID, store.CallRejected)
}

// Cancel is allowed only by the caller before the call connects.
func (s *Signaling) Cancel(ctx context.Context, callID, by uuid.UUID) error {
	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if call.CallerID != by {
		return apperrors.Forbidden("only the caller may cancel")
	}

	frame := &SignalingFrame{Type: SignalCallCancel, CallID: &callID}
	s.route(ctx, bus.TopicSignaling, frame, call.CalleeID)

	return s.calls.EndCall(ctx, callID, store.CallCancelled)
}

// End is allowed by any participant.
func (s *Signaling) End(ctx context.Context, callID, by uuid.UUID) error {
	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if !call.HasParticipant(by) && call.CalleeID != by {
		return apperrors.NotParticipant("call")
	}

	frame := &SignalingFrame{Type: SignalCallEnd, CallID: &callID, ParticipantID: &by}
	s.route(ctx, bus.TopicSignaling, frame, call.OtherParticipants(by)...)

	return s.calls.EndCall(ctx, callID, store.CallEnded)
}

// IceCandidate relays a candidate to every other participant.
func (s *Signaling) IceCandidate(ctx context.Context, callID, by uuid.UUID, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	if candidate == "" {
		return apperrors.MissingParameter("candidate")
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if !call.HasParticipant(by) {
		return apperrors.NotParticipant("call")
	}

	frame := &SignalingFrame{
		Type:          SignalIceCandidate,
		CallID:        &callID,
		ParticipantID: &by,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	}
	s.route(ctx, bus.TopicICE, frame, call.OtherParticipants(by)...)
	return nil
}

// MediaStateChanged updates the participant's toggles and broadcasts them.
func (s *Signaling) MediaStateChanged(ctx context.Context, callID, by uuid.UUID, audio, videoEnabled, screenSharing bool) error {
	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	if !call.HasParticipant(by) {
		return apperrors.NotParticipant("call")
	}

	media := MediaState{
		AudioEnabled:  audio,
		VideoEnabled:  videoEnabled,
		ScreenSharing: screenSharing,
	}
	if err := s.calls.UpdateMediaState(ctx, callID, by, media); err != nil {
		return err
	}

	frame := &SignalingFrame{
		Type:          SignalMediaStateChanged,
		CallID:        &callID,
		ParticipantID: &by,
		AudioEnabled:  &audio,
		VideoEnabled:  &videoEnabled,
		ScreenSharing: &screenSharing,
	}
	s.route(ctx, bus.TopicMedia, frame, call.OtherParticipants(by)...)
	return nil
}

// StartScreenShare claims the exclusive slot and announces it.
func (s *Signaling) StartScreenShare(ctx context.Context, callID, by uuid.UUID, sdp string) error {
	if err := s.calls.StartScreenShare(ctx, callID, by); err != nil {
		return err
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	sharing := true
	frame := &SignalingFrame{
		Type:          SignalScreenShareOffer,
		CallID:        &callID,
		ParticipantID: &by,
		SDP:           sdp,
		ScreenSharing: &sharing,
	}
	s.route(ctx, bus.TopicMedia, frame, call.OtherParticipants(by)...)
	return nil
}

// StopScreenShare releases the slot and announces it.
func (s *Signaling) StopScreenShare(ctx context.Context, callID, by uuid.UUID) error {
	if err := s.calls.StopScreenShare(ctx, callID, by); err != nil {
		return err
	}

	call, err := s.calls.Get(callID)
	if err != nil {
		return err
	}
	frame := &SignalingFrame{
		Type:          SignalScreenShareEnd,
		CallID:        &callID,
		ParticipantID: &by,
	}
	s.route(ctx, bus.TopicMedia, frame, call.OtherParticipants(by)...)
	return nil
}

// QualityReport records a metrics sample; the first one while Connecting
// completes the call setup.
func (s *Signaling) QualityReport(ctx context.Context, callID, by uuid.UUID, m QualityMetrics) error {
	becameConnected, err := s.calls.RecordQualityMetrics(ctx, callID, by, m)
	if err != nil {
		return err
	}
	if becameConnected {
		call, err := s.calls.Get(callID)
		if err != nil {
			return nil
		}
		frame := &SignalingFrame{
			Type:   SignalCallStateChanged,
			CallID: &callID,
			State:  store.CallConnected,
		}
		targets := append(call.OtherParticipants(by), by)
		s.route(ctx, bus.TopicSignaling, frame, targets...)
	}
	return nil
}

// GetIceServers returns the STUN/TURN list with fresh credentials.
func (s *Signaling) GetIceServers(userID uuid.UUID) []IceServer {
	return s.turn.IceServers(userID)
}

// route delivers the frame to local targets and publishes it for peers.
func (s *Signaling) route(ctx context.Context, topic string, frame *SignalingFrame, targets ...uuid.UUID) {
	encoded := frame.Encode()
	for _, target := range targets {
		if n := s.reg.SendToUser(target, encoded); n > 0 && s.metrics != nil {
			s.metrics.RecordDelivery("video", "websocket", "delivered")
		}
	}

	payload := signalPayload{Frame: *frame, Targets: targets}
	if err := s.bus.Publish(ctx, topic, kindSignal, payload); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Signaling publish failed")
	}
}

// handleRemote delivers frames published by peer instances to local targets.
func (s *Signaling) handleRemote(topic string, env bus.Envelope) {
	if env.Kind != kindSignal {
		return
	}
	var payload signalPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}

	encoded := payload.Frame.Encode()
	for _, target := range payload.Targets {
		s.reg.SendToUser(target, encoded)
	}
}
