// Package video implements the WebRTC call signaling plane: per-call state
// machines, offer/answer/ICE relay across instances, screen-share
// exclusivity, TURN credentialing, and quality reporting.
package video

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

// Signaling message kinds. The envelope is flat JSON discriminated by "type".
const (
	SignalCallOffer         = "call_offer"
	SignalCallAnswer        = "call_answer"
	SignalCallReject        = "call_reject"
	SignalCallCancel        = "call_cancel"
	SignalCallEnd           = "call_end"
	SignalIceCandidate      = "ice_candidate"
	SignalCallStateChanged  = "call_state_changed"
	SignalParticipantJoined = "participant_joined"
	SignalParticipantLeft   = "participant_left"
	SignalMediaStateChanged = "media_state_changed"
	SignalScreenShareOffer  = "screen_share_offer"
	SignalScreenShareAnswer = "screen_share_answer"
	SignalScreenShareEnd    = "screen_share_end"
	SignalQualityReport     = "quality_report"
	SignalError             = "error"
	SignalPing              = "ping"
	SignalPong              = "pong"
)

// MediaState tracks a participant's media toggles.
type MediaState struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
	AudioMuted    bool `json:"audio_muted"`
	VideoMuted    bool `json:"video_muted"`
}

// DefaultMediaState is the state a participant joins with.
func DefaultMediaState(kind store.CallKind) MediaState {
	return MediaState{
		AudioEnabled: true,
		VideoEnabled: kind != store.CallAudio,
	}
}

// ConnectionState tracks a participant's transport status.
type ConnectionState string

const (
	ParticipantConnecting   ConnectionState = "connecting"
	ParticipantConnected    ConnectionState = "connected"
	ParticipantDisconnected ConnectionState = "disconnected"
)

// Participant is one member of an active call.
type Participant struct {
	UserID     uuid.UUID       `json:"user_id"`
	Username   string          `json:"username"`
	JoinedAt   time.Time       `json:"joined_at"`
	LeftAt     *time.Time      `json:"left_at,omitempty"`
	Media      MediaState      `json:"media_state"`
	Connection ConnectionState `json:"connection_state"`
}

// QualityMetrics is a client-reported media quality sample.
type QualityMetrics struct {
	RTTMs          float64 `json:"rtt_ms"`
	Jitter         float64 `json:"jitter"`
	PacketLossPct  float64 `json:"packet_loss_pct"`
	BitrateKbps    float64 `json:"bitrate_kbps"`
	FramesPerSec   float64 `json:"frames_per_sec"`
	ResolutionNote string  `json:"resolution,omitempty"`
}

// SignalingFrame is the uniform envelope for call signaling over the
// WebSocket and the webrtc topics.
type SignalingFrame struct {
	Type string `json:"type"`

	CallID    *uuid.UUID     `json:"call_id,omitempty"`
	CallerID  *uuid.UUID     `json:"caller_id,omitempty"`
	CalleeID  *uuid.UUID     `json:"callee_id,omitempty"`
	SessionID *uuid.UUID     `json:"session_id,omitempty"`
	Kind      store.CallKind `json:"call_type,omitempty"`

	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	Username      string     `json:"username,omitempty"`

	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`

	State  store.CallState `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`

	AudioEnabled  *bool `json:"audio_enabled,omitempty"`
	VideoEnabled  *bool `json:"video_enabled,omitempty"`
	ScreenSharing *bool `json:"screen_sharing,omitempty"`

	Metrics *QualityMetrics `json:"metrics,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode marshals the frame for the outbound queue.
func (f *SignalingFrame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// terminalStates lists states with no outgoing transitions.
var terminalStates = map[store.CallState]bool{
	store.CallEnded:     true,
	store.CallRejected:  true,
	store.CallCancelled: true,
	store.CallFailed:    true,
}

// IsTerminal reports whether the state is terminal.
func IsTerminal(state store.CallState) bool {
	return terminalStates[state]
}

// validTransitions encodes the monotone call state machine. Terminal
// alternates are reachable from every pre-Connected state.
var validTransitions = map[store.CallState][]store.CallState{
	store.CallInitiating: {store.CallRinging, store.CallRejected, store.CallCancelled, store.CallFailed},
	store.CallRinging:    {store.CallConnecting, store.CallRejected, store.CallCancelled, store.CallFailed},
	store.CallConnecting: {store.CallConnected, store.CallRejected, store.CallCancelled, store.CallFailed, store.CallEnded},
	store.CallConnected:  {store.CallOnHold, store.CallEnded, store.CallFailed},
	store.CallOnHold:     {store.CallConnected, store.CallEnded, store.CallFailed},
}

// CanTransition reports whether from→to is allowed.
func CanTransition(from, to store.CallState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveCall is the in-memory image of a live call. All mutation goes
// through the CallManager under the per-call lock.
type ActiveCall struct {
	ID           uuid.UUID                   `json:"call_id"`
	CallerID     uuid.UUID                   `json:"caller_id"`
	CalleeID     uuid.UUID                   `json:"callee_id"`
	SessionID    *uuid.UUID                  `json:"session_id,omitempty"`
	Kind         store.CallKind              `json:"call_type"`
	State        store.CallState             `json:"state"`
	Participants map[uuid.UUID]*Participant  `json:"participants"`
	StartedAt    time.Time                   `json:"started_at"`
	LastActivity time.Time                   `json:"last_activity"`
	ScreenShareHolder *uuid.UUID             `json:"screen_share_holder,omitempty"`
}

// HasParticipant reports whether the user is an active call participant.
func (c *ActiveCall) HasParticipant(userID uuid.UUID) bool {
	p, ok := c.Participants[userID]
	return ok && p.LeftAt == nil
}

// OtherParticipants returns active participants excluding the given user.
func (c *ActiveCall) OtherParticipants(userID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Participants))
	for id, p := range c.Participants {
		if id != userID && p.LeftAt == nil {
			out = append(out, id)
		}
	}
	return out
}
