// Package registry owns the live connections of this instance: per-user
// connection lists, room membership, typing flags, and presence. Connection
// records are kept in an arena keyed by connection id; the per-user and
// per-room maps hold only keys into it. All cross-instance visibility is
// layered on top via the bus.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/logging"
)

// Conn is one live bidirectional channel between a client and this instance.
// The writer loop owns the outbound queue; delivery through the registry
// enqueues without blocking, and only EnqueueBlocking waits for space.
type Conn struct {
	ID          string
	UserID      uuid.UUID
	Username    string
	ConnectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool

	send chan []byte
	done chan struct{}
}

// NewConn builds a connection record with a bounded outbound queue.
func NewConn(userID uuid.UUID, username string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	now := time.Now()
	return &Conn{
		ID:           uuid.New().String(),
		UserID:       userID,
		Username:     username,
		ConnectedAt:  now,
		lastActivity: now,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
}

// Outbound returns the queue the writer loop drains.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// trySend enqueues without blocking. A full queue reports failure; the
// registry treats that connection as stale and removes it.
func (c *Conn) trySend(payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// EnqueueBlocking queues payload, waiting for space until the connection
// closes. Used for the offline-queue drain that runs before a connection
// becomes discoverable and for direct replies to the connection's own client
// (acks, pongs, error frames); SendToUser always uses trySend.
func (c *Conn) EnqueueBlocking(payload []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
}

// PresenceFunc is invoked when a user transitions online/offline on this
// instance (first connection added, last connection removed).
type PresenceFunc func(userID uuid.UUID, username string, online bool)

// Registry tracks this instance's connections, rooms, and presence.
type Registry struct {
	maxPerUser int
	logger     *logging.Logger

	connsMu  sync.RWMutex
	byConnID map[string]*Conn
	byUser   map[uuid.UUID][]string // connection ids

	roomsMu sync.RWMutex
	rooms   map[string]map[uuid.UUID]struct{}

	typingMu sync.RWMutex
	typing   map[string]map[uuid.UUID]struct{}

	presenceMu sync.RWMutex
	presence   map[uuid.UUID]time.Time

	onPresence PresenceFunc
}

// New creates a Registry. maxPerUser bounds connections per user on this
// instance.
func New(maxPerUser int, logger *logging.Logger) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &Registry{
		maxPerUser: maxPerUser,
		logger:     logger,
		byConnID:   make(map[string]*Conn),
		byUser:     make(map[uuid.UUID][]string),
		rooms:      make(map[string]map[uuid.UUID]struct{}),
		typing:     make(map[string]map[uuid.UUID]struct{}),
		presence:   make(map[uuid.UUID]time.Time),
	}
}

// OnPresence installs the presence transition hook. Must be set before the
// first Add.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.onPresence = fn
}

// Add registers a connection. Before Add returns, the connection is
// discoverable by SendToUser. The first connection for a user fires the
// presence hook once.
func (r *Registry) Add(conn *Conn) error {
	r.connsMu.Lock()
	existing := r.byUser[conn.UserID]
	if len(existing) >= r.maxPerUser {
		r.connsMu.Unlock()
		return apperrors.RateLimited(r.maxPerUser, "connections").
			WithDetails("reason", "max connections per user")
	}
	r.byConnID[conn.ID] = conn
	r.byUser[conn.UserID] = append(existing, conn.ID)
	firstConn := len(existing) == 0
	r.connsMu.Unlock()

	r.presenceMu.Lock()
	r.presence[conn.UserID] = time.Now()
	r.presenceMu.Unlock()

	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"connection_id": conn.ID,
			"user_id":       conn.UserID.String(),
		}).Info("Connection added")
	}

	if firstConn && r.onPresence != nil {
		r.onPresence(conn.UserID, conn.Username, true)
	}
	return nil
}

// Remove drops one connection by id. When the user's last connection goes,
// their typing flags are cleared and the presence hook fires offline.
func (r *Registry) Remove(connID string) {
	r.connsMu.Lock()
	conn, ok := r.byConnID[connID]
	if !ok {
		r.connsMu.Unlock()
		return
	}
	delete(r.byConnID, connID)

	ids := r.byUser[conn.UserID]
	for i, id := range ids {
		if id == connID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byUser, conn.UserID)
	} else {
		r.byUser[conn.UserID] = ids
	}
	lastConn := len(ids) == 0
	r.connsMu.Unlock()

	conn.Close()

	if lastConn {
		r.clearTypingForUser(conn.UserID)
		r.presenceMu.Lock()
		r.presence[conn.UserID] = time.Now()
		r.presenceMu.Unlock()

		if r.onPresence != nil {
			r.onPresence(conn.UserID, conn.Username, false)
		}
	}

	if r.logger != nil {
		r.logger.WithFields(map[string]interface{}{
			"connection_id": connID,
			"user_id":       conn.UserID.String(),
		}).Info("Connection removed")
	}
}

// SendToUser enqueues payload on each of the user's local connections.
// Connections with a full queue are removed rather than blocked on.
func (r *Registry) SendToUser(userID uuid.UUID, payload []byte) int {
	r.connsMu.RLock()
	ids := append([]string(nil), r.byUser[userID]...)
	conns := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.byConnID[id]; ok {
			conns = append(conns, c)
		}
	}
	r.connsMu.RUnlock()

	delivered := 0
	var stale []string
	for _, c := range conns {
		if c.trySend(payload) {
			delivered++
		} else {
			stale = append(stale, c.ID)
		}
	}

	for _, id := range stale {
		if r.logger != nil {
			r.logger.WithFields(map[string]interface{}{
				"connection_id": id,
				"user_id":       userID.String(),
			}).Warn("Outbound queue full, dropping connection")
		}
		r.Remove(id)
	}
	return delivered
}

// SendToRoom delivers payload to every local participant of the room except
// the excluded user (when set).
func (r *Registry) SendToRoom(roomID string, payload []byte, except *uuid.UUID) int {
	delivered := 0
	for _, userID := range r.RoomParticipants(roomID) {
		if except != nil && userID == *except {
			continue
		}
		delivered += r.SendToUser(userID, payload)
	}
	return delivered
}

// JoinRoom adds the user to the room. Idempotent.
func (r *Registry) JoinRoom(userID uuid.UUID, roomID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		r.rooms[roomID] = members
	}
	members[userID] = struct{}{}
}

// LeaveRoom removes the user from the room, pruning empty rooms.
func (r *Registry) LeaveRoom(userID uuid.UUID, roomID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomParticipants returns the room's member ids.
func (r *Registry) RoomParticipants(roomID string) []uuid.UUID {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()

	members := r.rooms[roomID]
	out := make([]uuid.UUID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns the rooms the user currently belongs to.
func (r *Registry) RoomsOf(userID uuid.UUID) []string {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()

	var out []string
	for roomID, members := range r.rooms {
		if _, ok := members[userID]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// HasLocalParticipant reports whether any room member is connected here.
func (r *Registry) HasLocalParticipant(roomID string) bool {
	for _, userID := range r.RoomParticipants(roomID) {
		if r.IsOnline(userID) {
			return true
		}
	}
	return false
}

// SetTyping flips the user's typing flag for the room.
func (r *Registry) SetTyping(roomID string, userID uuid.UUID, isTyping bool) {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	users, ok := r.typing[roomID]
	if !ok {
		if !isTyping {
			return
		}
		users = make(map[uuid.UUID]struct{})
		r.typing[roomID] = users
	}
	if isTyping {
		users[userID] = struct{}{}
	} else {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.typing, roomID)
		}
	}
}

// TypingUsers returns the users typing in the room.
func (r *Registry) TypingUsers(roomID string) []uuid.UUID {
	r.typingMu.RLock()
	defer r.typingMu.RUnlock()

	users := r.typing[roomID]
	out := make([]uuid.UUID, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	return out
}

func (r *Registry) clearTypingForUser(userID uuid.UUID) {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	for roomID, users := range r.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.typing, roomID)
		}
	}
}

// LastSeen returns the user's most recent connect/disconnect instant on this
// instance.
func (r *Registry) LastSeen(userID uuid.UUID) (time.Time, bool) {
	r.presenceMu.RLock()
	defer r.presenceMu.RUnlock()
	ts, ok := r.presence[userID]
	return ts, ok
}

// IsOnline reports whether the user has at least one connection here.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns users with at least one local connection.
func (r *Registry) OnlineUsers() []uuid.UUID {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns the user's live connection count on this instance.
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.byUser[userID])
}

// TotalConnections returns the instance's total live connection count.
func (r *Registry) TotalConnections() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.byConnID)
}

// CleanupInactive removes connections with no inbound activity since the
// timeout. Removal is per-connection; other connections of the same user are
// untouched.
func (r *Registry) CleanupInactive(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.connsMu.RLock()
	var inactive []string
	for id, conn := range r.byConnID {
		if conn.LastActivity().Before(cutoff) {
			inactive = append(inactive, id)
		}
	}
	r.connsMu.RUnlock()

	for _, id := range inactive {
		r.Remove(id)
	}
	return len(inactive)
}
