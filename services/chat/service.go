package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/collab"
)

const (
	rateLimitKeyPrefix = "rate_limit:messages:"
	recentKeyPrefix    = "recent_message:"
	recentTTL          = time.Hour
)

// SendRequest describes one outbound message. Exactly one destination
// selector must be set.
type SendRequest struct {
	RecipientID *uuid.UUID        `json:"recipient_id,omitempty"`
	SessionID   *uuid.UUID        `json:"session_id,omitempty"`
	GroupID     *uuid.UUID        `json:"group_id,omitempty"`
	Body        string            `json:"body"`
	Kind        store.MessageKind `json:"kind,omitempty"`
}

// Service implements message sending, history, edit, and delete. Delivery is
// delegated to the fan-out bridge.
type Service struct {
	db        *store.DB
	kv        kv.Store
	fanout    *Fanout
	moderator collab.Moderator
	cfg       config.ChatConfig
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewService wires the message service.
func NewService(db *store.DB, kvStore kv.Store, fanout *Fanout, moderator collab.Moderator, cfg config.ChatConfig, logger *logging.Logger, m *metrics.Metrics) *Service {
	if moderator == nil {
		moderator = collab.ApproveAllModerator{}
	}
	return &Service{
		db:        db,
		kv:        kvStore,
		fanout:    fanout,
		moderator: moderator,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Send validates, moderates, persists, and fans out one message. Blocked
// messages are persisted but never delivered; the caller receives a
// moderation error with the message id redacted.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, senderUsername string, req SendRequest) (*store.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, apperrors.EmptyContent()
	}

	destinations := 0
	if req.RecipientID != nil {
		destinations++
	}
	if req.SessionID != nil {
		destinations++
	}
	if req.GroupID != nil {
		destinations++
	}
	if destinations != 1 {
		return nil, apperrors.BadDestination("exactly one of recipient_id, session_id, group_id must be set")
	}

	banned, err := s.kv.Exists(ctx, "user_ban:"+senderID.String())
	if err != nil {
		return nil, apperrors.Internal("ban lookup failed", err)
	}
	if banned {
		return nil, apperrors.UserBanned(senderID.String())
	}

	allowed, err := s.kv.CheckRateLimit(ctx, rateLimitKeyPrefix+senderID.String(),
		int64(s.cfg.MessageRateLimit), s.cfg.MessageRateWindow)
	if err != nil {
		return nil, apperrors.Internal("rate limit check failed", err)
	}
	if !allowed {
		return nil, apperrors.RateLimited(s.cfg.MessageRateLimit, s.cfg.MessageRateWindow.String())
	}

	moderation := s.moderate(ctx, body)

	kind := req.Kind
	if kind == "" {
		kind = store.MessageText
	}

	msg := &store.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		SessionID:   req.SessionID,
		GroupID:     req.GroupID,
		Body:        body,
		Kind:        kind,
		Moderation:  moderation,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.db.Messages.Insert(ctx, msg); err != nil {
		return nil, apperrors.Storage("insert message", err)
	}

	if s.metrics != nil {
		s.metrics.MessagesTotal.WithLabelValues("chat", destinationLabel(msg), string(moderation)).Inc()
	}

	s.cacheRecent(ctx, msg)
	s.recordAnalytics(senderID, "message_sent", msg.ID)

	if moderation == store.ModerationBlocked {
		return nil, apperrors.ModerationBlocked()
	}

	if err := s.fanout.DeliverNew(ctx, msg, senderUsername); err != nil {
		// Persisted but not delivered; recipients recover via history.
		s.logger.WithContext(ctx).WithError(err).Warn("Message fan-out failed")
	}

	return msg, nil
}

// moderate time-boxes the moderation collaborator. Failures degrade to
// Approved; an outage must not block messaging.
func (s *Service) moderate(ctx context.Context, body string) store.ModerationStatus {
	mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := s.moderator.ModerateText(mctx, body)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Moderation call failed, approving")
		return store.ModerationApproved
	}
	return status
}

// HistoryRequest pages a conversation newest-first.
type HistoryRequest struct {
	PeerID    *uuid.UUID
	SessionID *uuid.UUID
	GroupID   *uuid.UUID
	Limit     int
	Before    *uuid.UUID
}

// HistoryPage is one page of history plus the has-more marker.
type HistoryPage struct {
	Messages []store.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// History returns messages ordered by CreatedAt descending. The cursor is a
// message id resolved to its creation time.
func (s *Service) History(ctx context.Context, userID uuid.UUID, req HistoryRequest) (*HistoryPage, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var before *time.Time
	if req.Before != nil {
		ts, err := s.db.Messages.CreatedAtOf(ctx, *req.Before)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, apperrors.NotFound("message", req.Before.String())
			}
			return nil, apperrors.Storage("resolve cursor", err)
		}
		before = &ts
	}

	rows, hasMore, err := s.db.Messages.History(ctx, store.HistoryFilter{
		UserID:    userID,
		PeerID:    req.PeerID,
		SessionID: req.SessionID,
		GroupID:   req.GroupID,
	}, limit, before)
	if err != nil {
		return nil, apperrors.Storage("load history", err)
	}

	return &HistoryPage{Messages: rows, HasMore: hasMore}, nil
}

// Edit replaces the body of the sender's own message and re-runs moderation.
func (s *Service) Edit(ctx context.Context, msgID, by uuid.UUID, body string) (*store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperrors.EmptyContent()
	}

	msg, err := s.db.Messages.Get(ctx, msgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("message", msgID.String())
		}
		return nil, apperrors.Storage("load message", err)
	}
	if msg.SenderID != by {
		return nil, apperrors.Forbidden("only the sender may edit a message")
	}
	if msg.Deleted {
		return nil, apperrors.Conflict("message was deleted")
	}

	moderation := s.moderate(ctx, body)
	editedAt := time.Now().UTC()
	if editedAt.Before(msg.CreatedAt) || editedAt.Equal(msg.CreatedAt) {
		editedAt = msg.CreatedAt.Add(time.Millisecond)
	}

	if err := s.db.Messages.Edit(ctx, msgID, body, moderation, editedAt); err != nil {
		return nil, apperrors.Storage("edit message", err)
	}

	msg.Body = body
	msg.Moderation = moderation
	msg.EditedAt = sql.NullTime{Time: editedAt, Valid: true}

	if moderation == store.ModerationBlocked {
		return nil, apperrors.ModerationBlocked()
	}
	return msg, nil
}

// Delete scrubs the body of the sender's own message, keeping the id and
// destination.
func (s *Service) Delete(ctx context.Context, msgID, by uuid.UUID) error {
	msg, err := s.db.Messages.Get(ctx, msgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("message", msgID.String())
		}
		return apperrors.Storage("load message", err)
	}
	if msg.SenderID != by {
		return apperrors.Forbidden("only the sender may delete a message")
	}

	if err := s.db.Messages.Delete(ctx, msgID); err != nil {
		return apperrors.Storage("delete message", err)
	}
	return nil
}

func (s *Service) cacheRecent(ctx context.Context, msg *store.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, recentKeyPrefix+msg.ID.String(), string(data), recentTTL); err != nil {
		s.logger.WithContext(ctx).WithError(err).Debug("Recent message cache write failed")
	}
}

func (s *Service) recordAnalytics(userID uuid.UUID, eventType string, messageID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		payload, _ := json.Marshal(map[string]string{"message_id": messageID.String()})
		err := s.db.Analytics.Insert(ctx, &store.AnalyticsEvent{
			ID:        uuid.New(),
			UserID:    userID,
			EventType: eventType,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.WithError(err).Debug("Analytics insert failed")
		}
	}()
}

func destinationLabel(m *store.Message) string {
	switch {
	case m.RecipientID != nil:
		return "direct"
	case m.SessionID != nil:
		return "session"
	default:
		return "group"
	}
}
