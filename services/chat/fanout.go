package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/bus"
	"github.com/linkwithmentor/platform/services/registry"
)

// dedupeCapacity bounds the duplicate-suppression window. Entries are keyed
// by (senderInstance, messageID) so replays of the same publish deliver once.
const dedupeCapacity = 4096

// Fanout bridges the local registry and the cross-instance bus: it publishes
// local events, consumes peer instances' events, queues messages for globally
// offline recipients, and manages lazy per-room subscriptions.
type Fanout struct {
	reg      *registry.Registry
	bus      *bus.Bus
	presence *PresenceTracker
	offline  *OfflineQueue
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	roomStops map[string]func()
	seen      map[string]struct{}
	seenOrder []string

	typingMu     sync.Mutex
	typingExpiry map[string]time.Time // roomID|userID -> deadline
	typingTTL    time.Duration

	baseCtx context.Context
	stop    func()
}

// NewFanout wires the bridge and subscribes the global chat topics.
func NewFanout(ctx context.Context, reg *registry.Registry, b *bus.Bus, presence *PresenceTracker, offline *OfflineQueue, typingTTL time.Duration, logger *logging.Logger, m *metrics.Metrics) (*Fanout, error) {
	if typingTTL <= 0 {
		typingTTL = 10 * time.Second
	}
	f := &Fanout{
		reg:          reg,
		bus:          b,
		presence:     presence,
		offline:      offline,
		logger:       logger,
		metrics:      m,
		roomStops:    make(map[string]func()),
		seen:         make(map[string]struct{}),
		typingExpiry: make(map[string]time.Time),
		typingTTL:    typingTTL,
		baseCtx:      ctx,
	}

	stop, err := b.Subscribe(ctx, f.handle,
		bus.TopicChatMessages,
		bus.TopicChatPresence,
		bus.TopicChatTyping,
		bus.TopicChatRooms,
		bus.TopicChatDelivery,
	)
	if err != nil {
		return nil, err
	}
	f.stop = stop

	reg.OnPresence(f.onLocalPresence)
	return f, nil
}

// Close tears down all subscriptions.
func (f *Fanout) Close() {
	if f.stop != nil {
		f.stop()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stop := range f.roomStops {
		stop()
	}
	f.roomStops = make(map[string]func())
}

// DeliverNew fans out a freshly persisted message: local delivery, the
// cross-instance publish, and offline queueing for recipients with zero live
// connections anywhere. The sending instance alone queues offline copies, so
// each message appears at most once per recipient queue.
func (f *Fanout) DeliverNew(ctx context.Context, msg *store.Message, senderUsername string) error {
	frame := ReceivedFrame(msg, senderUsername)
	f.markSeen(f.bus.InstanceID(), msg.ID)

	payload := chatMessagePayload{
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: senderUsername,
		RecipientID:    msg.RecipientID,
		SessionID:      msg.SessionID,
		GroupID:        msg.GroupID,
		Body:           msg.Body,
		Kind:           msg.Kind,
		Moderation:     msg.Moderation,
		CreatedAt:      msg.CreatedAt,
	}

	if err := f.bus.Publish(ctx, bus.TopicChatMessages, kindChatMessage, payload); err != nil {
		return err
	}

	switch {
	case msg.RecipientID != nil:
		recipient := *msg.RecipientID
		online, err := f.presence.IsOnlineAnywhere(ctx, recipient)
		if err != nil {
			f.logger.WithContext(ctx).WithError(err).Warn("Presence lookup failed, delivering optimistically")
			online = true
		}
		if !online {
			if err := f.offline.Enqueue(ctx, recipient, frame); err != nil {
				return err
			}
			f.recordDelivery("offline_queue", "queued")
			return nil
		}
		if n := f.reg.SendToUser(recipient, frame.Encode()); n > 0 {
			f.publishDelivered(ctx, msg.ID, recipient, msg.SenderID)
			f.notifySenderDelivered(msg.ID, recipient, msg.SenderID)
			f.recordDelivery("websocket", "delivered")
		}
	case msg.SessionID != nil:
		f.deliverRoom(ctx, SessionRoomID(*msg.SessionID), msg, payload, frame)
	case msg.GroupID != nil:
		f.deliverRoom(ctx, GroupRoomID(*msg.GroupID), msg, payload, frame)
	}
	return nil
}

func (f *Fanout) deliverRoom(ctx context.Context, roomID string, msg *store.Message, payload chatMessagePayload, frame *Frame) {
	sender := msg.SenderID
	if n := f.reg.SendToRoom(roomID, frame.Encode(), &sender); n > 0 {
		f.recordDelivery("websocket", "delivered")
	}

	// Peer instances holding room participants get the per-room topic too;
	// receivers dedupe against the global topic by message id.
	if err := f.bus.Publish(ctx, bus.FanoutTopic(roomID), kindRoomMessage, payload); err != nil {
		f.logger.WithContext(ctx).WithError(err).Warn("Room fan-out publish failed")
	}

	// Offline copies for locally known participants with no connection
	// anywhere. Global room membership belongs to the owning services.
	for _, participant := range f.reg.RoomParticipants(roomID) {
		if participant == sender {
			continue
		}
		online, err := f.presence.IsOnlineAnywhere(ctx, participant)
		if err != nil || online {
			continue
		}
		if err := f.offline.Enqueue(ctx, participant, frame); err != nil {
			f.logger.WithContext(ctx).WithError(err).Warn("Offline enqueue failed")
		} else {
			f.recordDelivery("offline_queue", "queued")
		}
	}
}

// DrainOfflineFor replays the user's queued frames in FIFO order to all of
// the user's local connections. The WebSocket handler calls it right after
// Add as a second pass, when conn can already receive live frames.
func (f *Fanout) DrainOfflineFor(ctx context.Context, conn *registry.Conn) {
	frames, err := f.offline.Drain(ctx, conn.UserID)
	if err != nil {
		f.logger.WithContext(ctx).WithError(err).Warn("Offline queue drain failed")
		return
	}
	for _, frame := range frames {
		f.reg.SendToUser(conn.UserID, frame.Encode())
		if frame.MessageID != nil && frame.SenderID != nil {
			f.publishDelivered(ctx, *frame.MessageID, conn.UserID, *frame.SenderID)
			f.notifySenderDelivered(*frame.MessageID, conn.UserID, *frame.SenderID)
		}
	}
	if len(frames) > 0 {
		if f.metrics != nil {
			f.metrics.OfflineQueueDepth.WithLabelValues("chat").Sub(float64(len(frames)))
		}
		f.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": conn.UserID.String(),
			"count":   len(frames),
		}).Info("Offline queue drained")
	}
}

// JoinRoom registers local membership, lazily subscribes the room's fan-out
// topic, and announces the join.
func (f *Fanout) JoinRoom(ctx context.Context, userID uuid.UUID, username, roomID string) {
	f.reg.JoinRoom(userID, roomID)
	f.ensureRoomSubscription(roomID)

	event := roomEventPayload{UserID: userID, Username: username, RoomID: roomID}
	if err := f.bus.Publish(ctx, bus.TopicChatRooms, kindUserJoinedRoom, event); err != nil {
		f.logger.WithContext(ctx).WithError(err).Warn("Room join publish failed")
	}

	frame := &Frame{Type: FrameUserJoined, UserID: &userID, Username: username, RoomID: roomID}
	f.reg.SendToRoom(roomID, frame.Encode(), &userID)
}

// LeaveRoom drops local membership, tears down the subscription when the
// last local participant is gone, and announces the leave.
func (f *Fanout) LeaveRoom(ctx context.Context, userID uuid.UUID, username, roomID string) {
	f.reg.LeaveRoom(userID, roomID)
	f.maybeDropRoomSubscription(roomID)

	event := roomEventPayload{UserID: userID, Username: username, RoomID: roomID}
	if err := f.bus.Publish(ctx, bus.TopicChatRooms, kindUserLeftRoom, event); err != nil {
		f.logger.WithContext(ctx).WithError(err).Warn("Room leave publish failed")
	}

	frame := &Frame{Type: FrameUserLeft, UserID: &userID, Username: username, RoomID: roomID}
	f.reg.SendToRoom(roomID, frame.Encode(), &userID)
}

// Typing broadcasts a typing indicator and arms its expiry.
func (f *Fanout) Typing(ctx context.Context, userID uuid.UUID, username, roomID string, isTyping bool) {
	f.reg.SetTyping(roomID, userID, isTyping)
	f.armTypingExpiry(roomID, userID, isTyping)

	payload := typingPayload{UserID: userID, Username: username, RoomID: roomID, IsTyping: isTyping}
	if err := f.bus.Publish(ctx, bus.TopicChatTyping, kindTyping, payload); err != nil {
		f.logger.WithContext(ctx).WithError(err).Debug("Typing publish failed")
	}

	frame := &Frame{Type: FrameTyping, UserID: &userID, Username: username, RoomID: roomID, IsTyping: &isTyping}
	f.reg.SendToRoom(roomID, frame.Encode(), &userID)
}

// PublishRead forwards a client-driven read receipt to the sender.
func (f *Fanout) PublishRead(ctx context.Context, messageID, readerID, senderID uuid.UUID) {
	payload := deliveryPayload{MessageID: messageID, RecipientID: readerID, SenderID: senderID}
	if err := f.bus.Publish(ctx, bus.TopicChatDelivery, kindRead, payload); err != nil {
		f.logger.WithContext(ctx).WithError(err).Debug("Read receipt publish failed")
	}
	frame := &Frame{Type: FrameMessageRead, MessageID: &messageID, UserID: &readerID}
	f.reg.SendToUser(senderID, frame.Encode())
}

// SweepTyping clears typing flags whose TTL elapsed. Wired to the cron loop.
func (f *Fanout) SweepTyping() {
	now := time.Now()

	f.typingMu.Lock()
	var expired []string
	for key, deadline := range f.typingExpiry {
		if now.After(deadline) {
			expired = append(expired, key)
			delete(f.typingExpiry, key)
		}
	}
	f.typingMu.Unlock()

	for _, key := range expired {
		roomID, userID, ok := splitTypingKey(key)
		if !ok {
			continue
		}
		f.reg.SetTyping(roomID, userID, false)
		isTyping := false
		frame := &Frame{Type: FrameTyping, UserID: &userID, RoomID: roomID, IsTyping: &isTyping}
		f.reg.SendToRoom(roomID, frame.Encode(), &userID)
	}
}

// RefreshPresence extends the global presence TTL for locally online users.
func (f *Fanout) RefreshPresence(ctx context.Context) {
	f.presence.Refresh(ctx, f.reg.OnlineUsers())
}

// onLocalPresence runs on this instance's online/offline transitions.
func (f *Fanout) onLocalPresence(userID uuid.UUID, username string, online bool) {
	ctx, cancel := context.WithTimeout(f.baseCtx, 5*time.Second)
	defer cancel()

	var err error
	if online {
		err = f.presence.MarkOnline(ctx, userID)
	} else {
		err = f.presence.MarkOffline(ctx, userID)
	}
	if err != nil {
		f.logger.WithError(err).Warn("Presence update failed")
	}

	payload := presencePayload{UserID: userID, Username: username, IsOnline: online}
	if err := f.bus.Publish(ctx, bus.TopicChatPresence, kindUserPresence, payload); err != nil {
		f.logger.WithError(err).Warn("Presence publish failed")
	}

	f.broadcastPresenceLocally(userID, username, online)

	if !online {
		// Tear down room subscriptions this user was holding open.
		for _, roomID := range f.reg.RoomsOf(userID) {
			f.reg.LeaveRoom(userID, roomID)
			f.maybeDropRoomSubscription(roomID)
		}
	}
}

func (f *Fanout) broadcastPresenceLocally(userID uuid.UUID, username string, online bool) {
	frameType := FrameUserJoined
	if !online {
		frameType = FrameUserLeft
	}
	frame := &Frame{Type: frameType, UserID: &userID, Username: username}
	encoded := frame.Encode()

	for _, onlineUser := range f.reg.OnlineUsers() {
		if onlineUser == userID {
			continue
		}
		f.reg.SendToUser(onlineUser, encoded)
	}
}

// handle consumes envelopes from peer instances.
func (f *Fanout) handle(topic string, env bus.Envelope) {
	ctx, cancel := context.WithTimeout(f.baseCtx, 10*time.Second)
	defer cancel()

	switch env.Kind {
	case kindChatMessage, kindRoomMessage:
		var payload chatMessagePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		f.handleRemoteMessage(ctx, env.SenderInstance, payload)

	case kindUserPresence:
		var payload presencePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		f.broadcastPresenceLocally(payload.UserID, payload.Username, payload.IsOnline)

	case kindTyping:
		var payload typingPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		f.reg.SetTyping(payload.RoomID, payload.UserID, payload.IsTyping)
		f.armTypingExpiry(payload.RoomID, payload.UserID, payload.IsTyping)
		frame := &Frame{Type: FrameTyping, UserID: &payload.UserID, Username: payload.Username, RoomID: payload.RoomID, IsTyping: &payload.IsTyping}
		f.reg.SendToRoom(payload.RoomID, frame.Encode(), &payload.UserID)

	case kindUserJoinedRoom:
		var payload roomEventPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		frame := &Frame{Type: FrameUserJoined, UserID: &payload.UserID, Username: payload.Username, RoomID: payload.RoomID}
		f.reg.SendToRoom(payload.RoomID, frame.Encode(), &payload.UserID)

	case kindUserLeftRoom:
		var payload roomEventPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		frame := &Frame{Type: FrameUserLeft, UserID: &payload.UserID, Username: payload.Username, RoomID: payload.RoomID}
		f.reg.SendToRoom(payload.RoomID, frame.Encode(), &payload.UserID)

	case kindDelivered:
		var payload deliveryPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		f.notifySenderDelivered(payload.MessageID, payload.RecipientID, payload.SenderID)

	case kindRead:
		var payload deliveryPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		frame := &Frame{Type: FrameMessageRead, MessageID: &payload.MessageID, UserID: &payload.RecipientID}
		f.reg.SendToUser(payload.SenderID, frame.Encode())
	}
}

func (f *Fanout) handleRemoteMessage(ctx context.Context, senderInstance string, payload chatMessagePayload) {
	if f.isDuplicate(senderInstance, payload.MessageID) {
		return
	}

	msg := &store.Message{
		ID:          payload.MessageID,
		SenderID:    payload.SenderID,
		RecipientID: payload.RecipientID,
		SessionID:   payload.SessionID,
		GroupID:     payload.GroupID,
		Body:        payload.Body,
		Kind:        payload.Kind,
		Moderation:  payload.Moderation,
		CreatedAt:   payload.CreatedAt,
	}
	frame := ReceivedFrame(msg, payload.SenderUsername)

	switch {
	case payload.RecipientID != nil:
		if n := f.reg.SendToUser(*payload.RecipientID, frame.Encode()); n > 0 {
			f.publishDelivered(ctx, payload.MessageID, *payload.RecipientID, payload.SenderID)
			f.notifySenderDelivered(payload.MessageID, *payload.RecipientID, payload.SenderID)
			f.recordDelivery("websocket", "delivered")
		}
	case payload.SessionID != nil:
		sender := payload.SenderID
		f.reg.SendToRoom(SessionRoomID(*payload.SessionID), frame.Encode(), &sender)
	case payload.GroupID != nil:
		sender := payload.SenderID
		f.reg.SendToRoom(GroupRoomID(*payload.GroupID), frame.Encode(), &sender)
	}
}

func (f *Fanout) publishDelivered(ctx context.Context, messageID, recipientID, senderID uuid.UUID) {
	payload := deliveryPayload{MessageID: messageID, RecipientID: recipientID, SenderID: senderID}
	if err := f.bus.Publish(ctx, bus.TopicChatDelivery, kindDelivered, payload); err != nil {
		f.logger.WithContext(ctx).WithError(err).Debug("Delivery receipt publish failed")
	}
}

func (f *Fanout) notifySenderDelivered(messageID, recipientID, senderID uuid.UUID) {
	frame := &Frame{Type: FrameMessageDelivered, MessageID: &messageID, UserID: &recipientID}
	f.reg.SendToUser(senderID, frame.Encode())
}

// ensureRoomSubscription lazily subscribes fanout:{room}.
func (f *Fanout) ensureRoomSubscription(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.roomStops[roomID]; ok {
		return
	}
	stop, err := f.bus.Subscribe(f.baseCtx, f.handle, bus.FanoutTopic(roomID))
	if err != nil {
		f.logger.WithError(err).WithFields(map[string]interface{}{"room_id": roomID}).Warn("Room subscription failed")
		return
	}
	f.roomStops[roomID] = stop
}

// maybeDropRoomSubscription tears down fanout:{room} when the last local
// participant is gone.
func (f *Fanout) maybeDropRoomSubscription(roomID string) {
	if len(f.reg.RoomParticipants(roomID)) > 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if stop, ok := f.roomStops[roomID]; ok {
		stop()
		delete(f.roomStops, roomID)
	}
}

// isDuplicate records and tests the (instance, message) pair. The window is
// a FIFO-bounded set.
func (f *Fanout) isDuplicate(senderInstance string, messageID uuid.UUID) bool {
	key := senderInstance + "|" + messageID.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[key]; ok {
		return true
	}
	f.seen[key] = struct{}{}
	f.seenOrder = append(f.seenOrder, key)
	if len(f.seenOrder) > dedupeCapacity {
		oldest := f.seenOrder[0]
		f.seenOrder = f.seenOrder[1:]
		delete(f.seen, oldest)
	}
	return false
}

func (f *Fanout) markSeen(senderInstance string, messageID uuid.UUID) {
	_ = f.isDuplicate(senderInstance, messageID)
}

func (f *Fanout) armTypingExpiry(roomID string, userID uuid.UUID, isTyping bool) {
	key := typingKey(roomID, userID)
	f.typingMu.Lock()
	defer f.typingMu.Unlock()
	if isTyping {
		f.typingExpiry[key] = time.Now().Add(f.typingTTL)
	} else {
		delete(f.typingExpiry, key)
	}
}

func (f *Fanout) recordDelivery(transport, status string) {
	if f.metrics != nil {
		f.metrics.RecordDelivery("chat", transport, status)
		if transport == "offline_queue" && status == "queued" {
			f.metrics.OfflineQueueDepth.WithLabelValues("chat").Inc()
		}
	}
}

// SessionRoomID returns the canonical room key for a mentorship session.
func SessionRoomID(sessionID uuid.UUID) string {
	return fmt.Sprintf("session_%s", sessionID)
}

// GroupRoomID returns the canonical room key for a group.
func GroupRoomID(groupID uuid.UUID) string {
	return fmt.Sprintf("group_%s", groupID)
}

// DirectRoomID returns the canonical peer-pair room key, order-independent.
func DirectRoomID(a, b uuid.UUID) string {
	if a.String() < b.String() {
		return fmt.Sprintf("direct_%s_%s", a, b)
	}
	return fmt.Sprintf("direct_%s_%s", b, a)
}

func typingKey(roomID string, userID uuid.UUID) string {
	return roomID + "|" + userID.String()
}

func splitTypingKey(key string) (string, uuid.UUID, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			id, err := uuid.Parse(key[i+1:])
			if err != nil {
				return "", uuid.Nil, false
			}
			return key[:i], id, true
		}
	}
	return "", uuid.Nil, false
}
