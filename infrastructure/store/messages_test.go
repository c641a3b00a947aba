package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewFromConn(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func messageRows(count int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"message_id", "sender_id", "recipient_id", "session_id", "group_id",
		"body", "kind", "moderation_status", "created_at", "edited_at", "deleted",
	})
	for i := 0; i < count; i++ {
		rows.AddRow(uuid.New(), uuid.New(), uuid.New(), nil, nil,
			"body", "text", "approved", time.Now(), nil, false)
	}
	return rows
}

func TestHistory_HasMoreWhenExtraRowReturned(t *testing.T) {
	db, mock := newMockDB(t)

	// Limit 2: the repo fetches 3 and reports one page more.
	mock.ExpectQuery("FROM messages").WillReturnRows(messageRows(3))

	peer := uuid.New()
	msgs, hasMore, err := db.Messages.History(context.Background(), HistoryFilter{
		UserID: uuid.New(),
		PeerID: &peer,
	}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.True(t, hasMore)
}

func TestHistory_NoMoreOnShortPage(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("FROM messages").WillReturnRows(messageRows(1))

	session := uuid.New()
	msgs, hasMore, err := db.Messages.History(context.Background(), HistoryFilter{
		UserID:    uuid.New(),
		SessionID: &session,
	}, 50, nil)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.False(t, hasMore)
}

func TestHistory_CapsLimitAtHundred(t *testing.T) {
	db, mock := newMockDB(t)
	// The capped limit of 100 is queried as LIMIT 101 to detect has_more.
	mock.ExpectQuery("FROM messages").WithArgs(sqlmock.AnyArg(), 101).WillReturnRows(messageRows(0))

	_, _, err := db.Messages.History(context.Background(), HistoryFilter{
		UserID: uuid.New(),
	}, 5000, nil)
	require.NoError(t, err)
}

func TestDelete_ScrubsBody(t *testing.T) {
	db, mock := newMockDB(t)
	msgID := uuid.New()

	mock.ExpectExec("UPDATE messages SET body = '', deleted = true").
		WithArgs(msgID).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, db.Messages.Delete(context.Background(), msgID))
}

func TestDelete_MissingRowErrors(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE messages").WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.Messages.Delete(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestUser_RoleHelpers(t *testing.T) {
	u := &User{Roles: "mentor, admin"}
	assert.True(t, u.HasRole(RoleMentor))
	assert.True(t, u.HasRole(RoleAdmin))
	assert.False(t, u.HasRole(RoleMentee))
	assert.Equal(t, []Role{RoleMentor, RoleAdmin}, u.RoleList())
}
