package video

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

const closeUnauthorized = 4401

// WSHandler runs the signaling WebSocket endpoint. It shares the registry's
// connection machinery with the chat plane, so a user's signaling frames ride
// the same bounded-queue writer loops.
type WSHandler struct {
	tokens    *identity.TokenService
	reg       *registry.Registry
	signaling *Signaling
	cfg       config.ChatConfig // connection limits and heartbeat cadence
	logger    *logging.Logger
	metrics   *metrics.Metrics

	upgrader websocket.Upgrader
}

// NewWSHandler wires the signaling WebSocket endpoint.
func NewWSHandler(tokens *identity.TokenService, reg *registry.Registry, signaling *Signaling, cfg config.ChatConfig, logger *logging.Logger, m *metrics.Metrics) *WSHandler {
	return &WSHandler{
		tokens:    tokens,
		reg:       reg,
		signaling: signaling,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/video?token=...
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
		frame := &SignalingFrame{Type: SignalError, Code: string(apperrors.ErrCodeUnauthorized), Message: "authentication failed"}
		_ = ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = ws.WriteMessage(websocket.TextMessage, frame.Encode())
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnauthorized, "authentication failed"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		_ = ws.Close()
		return
	}

	conn := registry.NewConn(userID, claims.Username, h.cfg.OutboundQueueSize)
	go h.writeLoop(ws, conn)

	if err := h.reg.Add(conn); err != nil {
		conn.Close()
		_ = ws.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.ConnectionsOpen.WithLabelValues("video").Inc()
		defer h.metrics.ConnectionsOpen.WithLabelValues("video").Dec()
	}

	h.readLoop(ws, conn, claims.Username)
}

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
			continue
		}
		conn.Touch()
		resetDeadline()

		var frame SignalingFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.sendError(conn, nil, apperrors.Validation("frame", "malformed frame"))
			continue
		}

		h.dispatch(conn, username, &frame)
	}
}

func (h *WSHandler) dispatch(conn *registry.Conn, username string, frame *SignalingFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ctx = logging.WithUserID(ctx, conn.UserID.String())

	var err error
	switch frame.Type {
	case SignalCallOffer:
		if frame.CalleeID == nil {
			err = apperrors.MissingParameter("callee_id")
			break
		}
		var call *ActiveCall
		call, err = h.signaling.Offer(ctx, conn.UserID, username, *frame.CalleeID, frame.SessionID, frame.Kind, frame.SDP)
		if err == nil {
			ack := &SignalingFrame{Type: SignalCallStateChanged, CallID: &call.ID, State: call.State}
			conn.EnqueueBlocking(ack.Encode())
		}

	case SignalCallAnswer:
		err = requireCallID(frame, func() error {
			return h.signaling.Answer(ctx, *frame.CallID, conn.UserID, username, frame.SDP)
		})

	case SignalCallReject:
		err = requireCallID(frame, func() error {
			return h.signaling.Reject(ctx, *frame.CallID, conn.UserID, frame.Reason)
		})

	case SignalCallCancel:
		err = requireCallID(frame, func() error {
			return h.signaling.Cancel(ctx, *frame.CallID, conn.UserID)
		})

	case SignalCallEnd:
		err = requireCallID(frame, func() error {
			return h.signaling.End(ctx, *frame.CallID, conn.UserID)
		})

	case SignalIceCandidate:
		err = requireCallID(frame, func() error {
			return h.signaling.IceCandidate(ctx, *frame.CallID, conn.UserID, frame.Candidate, frame.SDPMid, frame.SDPMLineIndex)
		})

	case SignalMediaStateChanged:
		err = requireCallID(frame, func() error {
			audio := frame.AudioEnabled != nil && *frame.AudioEnabled
			videoOn := frame.VideoEnabled != nil && *frame.VideoEnabled
			sharing := frame.ScreenSharing != nil && *frame.ScreenSharing
			return h.signaling.MediaStateChanged(ctx, *frame.CallID, conn.UserID, audio, videoOn, sharing)
		})

	case SignalScreenShareOffer:
		err = requireCallID(frame, func() error {
			return h.signaling.StartScreenShare(ctx, *frame.CallID, conn.UserID, frame.SDP)
		})

	case SignalScreenShareEnd:
		err = requireCallID(frame, func() error {
			return h.signaling.StopScreenShare(ctx, *frame.CallID, conn.UserID)
		})

	case SignalQualityReport:
		err = requireCallID(frame, func() error {
			if frame.Metrics == nil {
				return apperrors.MissingParameter("metrics")
			}
			return h.signaling.QualityReport(ctx, *frame.CallID, conn.UserID, *frame.Metrics)
		})

	case SignalPing:
		pong := &SignalingFrame{Type: SignalPong}
		conn.EnqueueBlocking(pong.Encode())

	default:
		err = apperrors.Validation("type", "unknown signaling type")
	}

	if err != nil {
		h.sendError(conn, frame.CallID, err)
	}
}

func (h *WSHandler) sendError(conn *registry.Conn, callID *uuid.UUID, err error) {
	serviceErr := apperrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = apperrors.Internal("internal error", err)
	}
	frame := &SignalingFrame{
		Type:    SignalError,
		CallID:  callID,
		Code:    errorCode(serviceErr),
		Message: serviceErr.Message,
	}
	conn.EnqueueBlocking(frame.Encode())
}

// errorCode maps a few signaling errors onto the wire codes clients match
// on; everything else keeps its service code.
func errorCode(err *apperrors.ServiceError) string {
	if err.Code == apperrors.ErrCodeAnotherSharing {
		return "ANOTHER_SHARING"
	}
	return string(err.Code)
}

func requireCallID(frame *SignalingFrame, fn func() error) error {
	if frame.CallID == nil {
		return apperrors.MissingParameter("call_id")
	}
	return fn()
}
