package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Role is a platform role a user may hold.
type Role string

const (
	RoleMentor Role = "mentor"
	RoleMentee Role = "mentee"
	RoleAdmin  Role = "admin"
)

// User is the minimal identity row the core reads.
type User struct {
	ID            uuid.UUID    `db:"user_id"`
	Username      string       `db:"username"`
	Email         string       `db:"email"`
	Roles         string       `db:"roles"` // CSV of Role values
	ActiveRole    sql.NullString `db:"active_role"`
	EmailVerified bool         `db:"email_verified"`
	BannedUntil   sql.NullTime `db:"banned_until"`
	CreatedAt     time.Time    `db:"created_at"`
}

// ModerationStatus classifies a message after the moderation hook ran.
type ModerationStatus string

const (
	ModerationApproved ModerationStatus = "approved"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationBlocked  ModerationStatus = "blocked"
)

// MessageKind distinguishes plain text from richer payloads.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Message is a persisted chat message. Exactly one of RecipientID, SessionID,
// GroupID is set.
type Message struct {
	ID          uuid.UUID        `db:"message_id"`
	SenderID    uuid.UUID        `db:"sender_id"`
	RecipientID *uuid.UUID       `db:"recipient_id"`
	SessionID   *uuid.UUID       `db:"session_id"`
	GroupID     *uuid.UUID       `db:"group_id"`
	Body        string           `db:"body"`
	Kind        MessageKind      `db:"kind"`
	Moderation  ModerationStatus `db:"moderation_status"`
	CreatedAt   time.Time        `db:"created_at"`
	EditedAt    sql.NullTime     `db:"edited_at"`
	Deleted     bool             `db:"deleted"`
}

// CallState is the persisted call lifecycle state.
type CallState string

const (
	CallInitiating CallState = "initiating"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallOnHold     CallState = "on_hold"
	CallEnded      CallState = "ended"
	CallRejected   CallState = "rejected"
	CallCancelled  CallState = "cancelled"
	CallFailed     CallState = "failed"
)

// CallKind distinguishes the media profile of a call.
type CallKind string

const (
	CallAudio       CallKind = "audio"
	CallVideo       CallKind = "video"
	CallScreenShare CallKind = "screen_share"
)

// CallSession is a persisted call row.
type CallSession struct {
	ID          uuid.UUID     `db:"call_id"`
	CallerID    uuid.UUID     `db:"caller_id"`
	CalleeID    uuid.UUID     `db:"callee_id"`
	SessionID   *uuid.UUID    `db:"session_id"`
	Kind        CallKind      `db:"call_type"`
	State       CallState     `db:"state"`
	StartedAt   time.Time     `db:"started_at"`
	EndedAt     sql.NullTime  `db:"ended_at"`
	DurationSec sql.NullInt32 `db:"duration_seconds"`
}

// CallParticipantRow persists a participant's membership in a call.
type CallParticipantRow struct {
	CallID     uuid.UUID    `db:"call_id"`
	UserID     uuid.UUID    `db:"user_id"`
	JoinedAt   time.Time    `db:"joined_at"`
	LeftAt     sql.NullTime `db:"left_at"`
	MediaState []byte       `db:"media_state"` // JSON
}

// SagaRow persists the full saga document between transitions.
type SagaRow struct {
	ID        uuid.UUID    `db:"saga_id"`
	Type      string       `db:"saga_type"`
	Status    string       `db:"status"`
	Document  []byte       `db:"document"` // JSON snapshot of steps + context
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// AnalyticsEvent is a fire-and-forget usage event.
type AnalyticsEvent struct {
	ID        uuid.UUID `db:"event_id"`
	UserID    uuid.UUID `db:"user_id"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"` // JSON
	CreatedAt time.Time `db:"created_at"`
}
