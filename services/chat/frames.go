// Package chat implements the real-time delivery plane: message persistence,
// moderation, cross-instance fan-out, offline queues, and the WebSocket
// endpoint clients hold open.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/store"
)

// Frame types exchanged over the WebSocket. The envelope is flat JSON
// discriminated by "type"; unused fields are omitted.
const (
	FrameSendMessage      = "send_message"
	FrameMessageReceived  = "message_received"
	FrameAck              = "ack"
	FrameMessageDelivered = "message_delivered"
	FrameMessageRead      = "message_read"
	FrameTyping           = "typing"
	FrameJoinRoom         = "join_room"
	FrameLeaveRoom        = "leave_room"
	FrameUserJoined       = "user_joined"
	FrameUserLeft         = "user_left"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameError            = "error"
)

// Frame is the uniform WebSocket envelope for the chat profile.
type Frame struct {
	Type string `json:"type"`

	MessageID      *uuid.UUID `json:"message_id,omitempty"`
	SenderID       *uuid.UUID `json:"sender_id,omitempty"`
	SenderUsername string     `json:"sender_username,omitempty"`

	RecipientID *uuid.UUID `json:"recipient_id,omitempty"`
	SessionID   *uuid.UUID `json:"session_id,omitempty"`
	GroupID     *uuid.UUID `json:"group_id,omitempty"`
	RoomID      string     `json:"room_id,omitempty"`

	Body       string                 `json:"body,omitempty"`
	Kind       store.MessageKind      `json:"kind,omitempty"`
	Moderation store.ModerationStatus `json:"moderation_status,omitempty"`

	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Username string     `json:"username,omitempty"`
	IsTyping *bool      `json:"is_typing,omitempty"`

	Timestamp *time.Time `json:"timestamp,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode marshals the frame for the outbound queue.
func (f *Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// ErrorFrame builds an error frame with a stable code.
func ErrorFrame(code, message string) *Frame {
	return &Frame{Type: FrameError, Code: code, Message: message}
}

// ReceivedFrame builds the delivery frame for a persisted message.
func ReceivedFrame(m *store.Message, senderUsername string) *Frame {
	ts := m.CreatedAt
	return &Frame{
		Type:           FrameMessageReceived,
		MessageID:      &m.ID,
		SenderID:       &m.SenderID,
		SenderUsername: senderUsername,
		RecipientID:    m.RecipientID,
		SessionID:      m.SessionID,
		GroupID:        m.GroupID,
		Body:           m.Body,
		Kind:           m.Kind,
		Moderation:     m.Moderation,
		Timestamp:      &ts,
	}
}

// Pub-sub payload kinds carried inside bus envelopes on the chat topics.
const (
	kindChatMessage    = "chat_message"
	kindUserPresence   = "user_presence"
	kindTyping         = "typing_indicator"
	kindUserJoinedRoom = "user_joined_room"
	kindUserLeftRoom   = "user_left_room"
	kindDelivered      = "message_delivered"
	kindRead           = "message_read"
	kindRoomMessage    = "room_message"
)

// chatMessagePayload crosses instances on chat:messages.
type chatMessagePayload struct {
	MessageID      uuid.UUID              `json:"message_id"`
	SenderID       uuid.UUID              `json:"sender_id"`
	SenderUsername string                 `json:"sender_username"`
	RecipientID    *uuid.UUID             `json:"recipient_id,omitempty"`
	SessionID      *uuid.UUID             `json:"session_id,omitempty"`
	GroupID        *uuid.UUID             `json:"group_id,omitempty"`
	Body           string                 `json:"body"`
	Kind           store.MessageKind      `json:"kind"`
	Moderation     store.ModerationStatus `json:"moderation_status"`
	CreatedAt      time.Time              `json:"created_at"`
}

// presencePayload crosses instances on chat:presence.
type presencePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsOnline bool      `json:"is_online"`
}

// typingPayload crosses instances on chat:typing.
type typingPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	RoomID   string    `json:"room_id"`
	IsTyping bool      `json:"is_typing"`
}

// roomEventPayload crosses instances on chat:rooms.
type roomEventPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	RoomID   string    `json:"room_id"`
}

// deliveryPayload crosses instances on chat:delivery.
type deliveryPayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	SenderID    uuid.UUID `json:"sender_id"`
}
