package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/services/identity"
	"github.com/linkwithmentor/platform/services/registry"
)

// Close codes for typed WebSocket shutdowns.
const (
	closeUnauthorized   = 4401
	closeTooManyClients = 4429
)

// WSHandler upgrades chat WebSocket connections and runs their reader and
// writer loops.
type WSHandler struct {
	tokens  *identity.TokenService
	reg     *registry.Registry
	fanout  *Fanout
	service *Service
	cfg     config.ChatConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
}

// NewWSHandler wires the WebSocket endpoint.
func NewWSHandler(tokens *identity.TokenService, reg *registry.Registry, fanout *Fanout, service *Service, cfg config.ChatConfig, logger *logging.Logger, m *metrics.Metrics) *WSHandler {
	return &WSHandler{
		tokens:  tokens,
		reg:     reg,
		fanout:  fanout,
		service: service,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway enforces origin policy before proxying upgrades.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/chat?token=...&session_id=...&group_id=...
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, err := h.tokens.Verify(r.Context(), token)
	if err != nil {
		h.closeWithError(ws, closeUnauthorized, "authentication failed")
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		h.closeWithError(ws, closeUnauthorized, "authentication failed")
		return
	}

	conn := registry.NewConn(userID, claims.Username, h.cfg.OutboundQueueSize)

	// Start the writer before the drain so queued history cannot deadlock on
	// a full outbound channel.
	go h.writeLoop(ws, conn)

	// Offline frames replay strictly before any live delivery; the
	// connection is not yet discoverable, so live sends cannot interleave.
	for _, frame := range h.drainDirect(r.Context(), conn) {
		conn.EnqueueBlocking(frame.Encode())
	}

	if err := h.reg.Add(conn); err != nil {
		h.sendErrorFrame(conn, err)
		conn.Close()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeTooManyClients, "too many connections"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.ConnectionsOpen.WithLabelValues("chat").Inc()
		defer h.metrics.ConnectionsOpen.WithLabelValues("chat").Dec()
	}

	// A second pass catches messages queued while the first drain ran,
	// before presence flipped online.
	h.fanout.DrainOfflineFor(r.Context(), conn)

	if sessionID := parseUUIDParam(r, "session_id"); sessionID != nil {
		h.fanout.JoinRoom(r.Context(), userID, claims.Username, SessionRoomID(*sessionID))
	}
	if groupID := parseUUIDParam(r, "group_id"); groupID != nil {
		h.fanout.JoinRoom(r.Context(), userID, claims.Username, GroupRoomID(*groupID))
	}

	h.readLoop(ws, conn, claims.Username)
}

// drainDirect exists so the pre-Add drain returns frames instead of pushing
// through the registry (the connection is not discoverable yet).
func (h *WSHandler) drainDirect(ctx context.Context, conn *registry.Conn) []*Frame {
	frames, err := h.fanout.offline.Drain(ctx, conn.UserID)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Offline queue drain failed")
		return nil
	}
	for _, frame := range frames {
		if frame.MessageID != nil && frame.SenderID != nil {
			h.fanout.publishDelivered(ctx, *frame.MessageID, conn.UserID, *frame.SenderID)
			h.fanout.notifySenderDelivered(*frame.MessageID, conn.UserID, *frame.SenderID)
		}
	}
	return frames
}

// writeLoop drains the outbound queue to the socket and drives heartbeats.
func (h *WSHandler) writeLoop(ws *websocket.Conn, conn *registry.Conn) {
	pingTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		pingTicker.Stop()
		_ = ws.Close()
		h.reg.Remove(conn.ID)
	}()

	for {
		select {
		case payload, ok := <-conn.Outbound():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// readLoop consumes inbound frames in order until the connection dies.
func (h *WSHandler) readLoop(ws *websocket.Conn, conn *registry.Conn, username string) {
	defer h.reg.Remove(conn.ID)

	resetDeadline := func() {
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		resetDeadline()
		return nil
	})

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames are reserved.
			continue
		}
		conn.Touch()
		resetDeadline()

		var frame Frame
		if err := unmarshalFrame(payload, &frame); err != nil {
			h.sendErrorFrame(conn, apperrors.Validation("frame", "malformed frame"))
			continue
		}

		h.dispatch(conn, username, &frame)
	}
}

func (h *WSHandler) dispatch(conn *registry.Conn, username string, frame *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ctx = logging.WithUserID(ctx, conn.UserID.String())

	switch frame.Type {
	case FrameSendMessage:
		msg, err := h.service.Send(ctx, conn.UserID, username, SendRequest{
			RecipientID: frame.RecipientID,
			SessionID:   frame.SessionID,
			GroupID:     frame.GroupID,
			Body:        frame.Body,
			Kind:        frame.Kind,
		})
		if err != nil {
			h.sendErrorFrame(conn, err)
			return
		}
		ack := &Frame{Type: FrameAck, MessageID: &msg.ID}
		conn.EnqueueBlocking(ack.Encode())

	case FrameTyping:
		if frame.RoomID == "" || frame.IsTyping == nil {
			return
		}
		h.fanout.Typing(ctx, conn.UserID, username, frame.RoomID, *frame.IsTyping)

	case FrameJoinRoom:
		if frame.RoomID == "" {
			return
		}
		h.fanout.JoinRoom(ctx, conn.UserID, username, frame.RoomID)

	case FrameLeaveRoom:
		if frame.RoomID == "" {
			return
		}
		h.fanout.LeaveRoom(ctx, conn.UserID, username, frame.RoomID)

	case FrameMessageRead:
		if frame.MessageID == nil {
			return
		}
		msg, err := h.service.db.Messages.Get(ctx, *frame.MessageID)
		if err != nil {
			return
		}
		h.fanout.PublishRead(ctx, msg.ID, conn.UserID, msg.SenderID)

	case FramePing:
		pong := &Frame{Type: FramePong}
		conn.EnqueueBlocking(pong.Encode())

	default:
		h.sendErrorFrame(conn, apperrors.Validation("type", "unknown frame type"))
	}
}

func (h *WSHandler) sendErrorFrame(conn *registry.Conn, err error) {
	serviceErr := apperrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = apperrors.Internal("internal error", err)
	}
	frame := ErrorFrame(string(serviceErr.Code), serviceErr.Message)
	conn.EnqueueBlocking(frame.Encode())
}

func (h *WSHandler) closeWithError(ws *websocket.Conn, code int, message string) {
	frame := ErrorFrame(string(apperrors.ErrCodeUnauthorized), message)
	_ = ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = ws.WriteMessage(websocket.TextMessage, frame.Encode())
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message), time.Now().Add(time.Second))
	_ = ws.Close()
}

func parseUUIDParam(r *http.Request, name string) *uuid.UUID {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func unmarshalFrame(payload []byte, frame *Frame) error {
	return json.Unmarshal(payload, frame)
}
