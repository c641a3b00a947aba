package chat

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/store"
	"github.com/linkwithmentor/platform/services/bus"
	"github.com/linkwithmentor/platform/services/registry"
)

type fakeModerator struct {
	status store.ModerationStatus
}

func (m fakeModerator) ModerateText(_ context.Context, _ string) (store.ModerationStatus, error) {
	return m.status, nil
}

type chatFixture struct {
	service *Service
	fanout  *Fanout
	reg     *registry.Registry
	offline *OfflineQueue
	kv      kv.Store
	mock    sqlmock.Sqlmock
}

func newChatFixture(t *testing.T, moderation store.ModerationStatus) *chatFixture {
	t.Helper()

	kvStore, _ := newTestKV(t)
	logger := logging.New("chat-test", "error", "text")

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := store.NewFromConn(sqlx.NewDb(mockDB, "sqlmock"))

	cfg := config.ChatConfig{
		MaxConnectionsPerUser: 5,
		OutboundQueueSize:     64,
		MessageRateLimit:      60,
		MessageRateWindow:     time.Minute,
		OfflineQueueTTL:       time.Hour,
		TypingTTL:             time.Second,
		HeartbeatInterval:     30 * time.Second,
		IdleTimeout:           time.Minute,
	}

	reg := registry.New(cfg.MaxConnectionsPerUser, logger)
	messageBus := bus.New(kvStore, "chat", logger, nil)
	presence := NewPresenceTracker(kvStore)
	offline := NewOfflineQueue(kvStore, cfg.OfflineQueueTTL)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fanout, err := NewFanout(ctx, reg, messageBus, presence, offline, cfg.TypingTTL, logger, nil)
	require.NoError(t, err)
	t.Cleanup(fanout.Close)

	service := NewService(db, kvStore, fanout, fakeModerator{status: moderation}, cfg, logger, nil)
	return &chatFixture{service: service, fanout: fanout, reg: reg, offline: offline, kv: kvStore, mock: mock}
}

func TestSend_RejectsEmptyBody(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	recipient := uuid.New()

	_, err := f.service.Send(context.Background(), uuid.New(), "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "   ",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEmptyContent))
}

func TestSend_RequiresExactlyOneDestination(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	recipient, session := uuid.New(), uuid.New()

	_, err := f.service.Send(context.Background(), uuid.New(), "alice", SendRequest{Body: "hi"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadDestination), "no destination: %v", err)

	_, err = f.service.Send(context.Background(), uuid.New(), "alice", SendRequest{
		RecipientID: &recipient,
		SessionID:   &session,
		Body:        "hi",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadDestination), "two destinations: %v", err)
}

func TestSend_RejectsBannedSender(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	sender := uuid.New()
	recipient := uuid.New()

	require.NoError(t, f.kv.Set(context.Background(), "user_ban:"+sender.String(), "1", time.Hour))

	_, err := f.service.Send(context.Background(), sender, "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "hi",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUserBanned))
}

func TestSend_RateLimitsAtSixtyPerWindow(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	sender := uuid.New()
	recipient := uuid.New()

	// Saturate the window directly; each Send would otherwise need an insert
	// expectation.
	for i := 0; i < 60; i++ {
		ok, err := f.kv.CheckRateLimit(context.Background(), "rate_limit:messages:"+sender.String(), 60, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := f.service.Send(context.Background(), sender, "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "hi",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimited))
}

func TestSend_OfflineRecipientQueuesMessage(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	sender := uuid.New()
	recipient := uuid.New() // never connects anywhere

	f.mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec("INSERT INTO analytics_events").WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := f.service.Send(context.Background(), sender, "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "hi",
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, store.ModerationApproved, msg.Moderation)

	// The message landed exactly once in the recipient's offline queue.
	n, err := f.offline.Len(context.Background(), recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	frames, err := f.offline.Drain(context.Background(), recipient)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "hi", frames[0].Body)
	require.NotNil(t, frames[0].MessageID)
	assert.Equal(t, msg.ID, *frames[0].MessageID)
}

func TestSend_OnlineRecipientGetsLiveDelivery(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	sender := uuid.New()
	recipient := uuid.New()

	conn := registry.NewConn(recipient, "bob", 16)
	require.NoError(t, f.reg.Add(conn))

	f.mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec("INSERT INTO analytics_events").WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := f.service.Send(context.Background(), sender, "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "hello bob",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case payload := <-conn.Outbound():
			var frame Frame
			require.NoError(t, unmarshalFrame(payload, &frame))
			return frame.Type == FrameMessageReceived && frame.MessageID != nil && *frame.MessageID == msg.ID
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing queued for an online recipient.
	n, err := f.offline.Len(context.Background(), recipient)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSend_BlockedMessagePersistedNotDelivered(t *testing.T) {
	f := newChatFixture(t, store.ModerationBlocked)
	sender := uuid.New()
	recipient := uuid.New()

	conn := registry.NewConn(recipient, "bob", 16)
	require.NoError(t, f.reg.Add(conn))

	f.mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec("INSERT INTO analytics_events").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := f.service.Send(context.Background(), sender, "alice", SendRequest{
		RecipientID: &recipient,
		Body:        "something nasty",
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeModerationBlocked))

	// No delivery, no offline copy.
	select {
	case <-conn.Outbound():
		t.Fatal("blocked message must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
	n, qerr := f.offline.Len(context.Background(), recipient)
	require.NoError(t, qerr)
	assert.Zero(t, n)
}

func TestEdit_OnlySenderMayEdit(t *testing.T) {
	f := newChatFixture(t, store.ModerationApproved)
	sender := uuid.New()
	other := uuid.New()
	msgID := uuid.New()
	recipient := uuid.New()

	rows := sqlmock.NewRows([]string{
		"message_id", "sender_id", "recipient_id", "session_id", "group_id",
		"body", "kind", "moderation_status", "created_at", "edited_at", "deleted",
	}).AddRow(msgID, sender, recipient, nil, nil, "hi", "text", "approved", time.Now(), nil, false)
	f.mock.ExpectQuery("FROM messages WHERE message_id").WillReturnRows(rows)

	_, err := f.service.Edit(context.Background(), msgID, other, "edited")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestFanout_DirectRoomIDIsCanonical(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, DirectRoomID(a, b), DirectRoomID(b, a))
}
