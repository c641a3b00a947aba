package video

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

func newCallFixture(t *testing.T) (*CallManager, sqlmock.Sqlmock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvStore := kv.NewRedisFromClient(client)
	t.Cleanup(func() { _ = kvStore.Close() })

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := store.NewFromConn(sqlx.NewDb(mockDB, "sqlmock"))

	cfg := config.VideoConfig{
		MaxParticipants:   3,
		InactivityTimeout: 5 * time.Minute,
		ConnectGrace:      30 * time.Second,
		MetricsTTL:        time.Hour,
	}
	cm := NewCallManager(db, kvStore, cfg, logging.New("video-test", "error", "text"), nil)
	return cm, mock
}

func expectCallInsert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO call_sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO call_participants").WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestStateMachine_MonotoneTransitions(t *testing.T) {
	// The happy path walks forward only.
	assert.True(t, CanTransition(store.CallInitiating, store.CallRinging))
	assert.True(t, CanTransition(store.CallRinging, store.CallConnecting))
	assert.True(t, CanTransition(store.CallConnecting, store.CallConnected))
	assert.True(t, CanTransition(store.CallConnected, store.CallOnHold))
	assert.True(t, CanTransition(store.CallOnHold, store.CallConnected))
	assert.True(t, CanTransition(store.CallConnected, store.CallEnded))

	// No transitions out of terminal states.
	for _, terminal := range []store.CallState{store.CallEnded, store.CallRejected, store.CallCancelled, store.CallFailed} {
		assert.True(t, IsTerminal(terminal))
		for _, to := range []store.CallState{store.CallRinging, store.CallConnected, store.CallEnded} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s must be invalid", terminal, to)
		}
	}

	// No going backwards.
	assert.False(t, CanTransition(store.CallConnected, store.CallRinging))
	assert.False(t, CanTransition(store.CallRinging, store.CallInitiating))

	// Terminal alternates reachable from every pre-Connected state.
	for _, from := range []store.CallState{store.CallInitiating, store.CallRinging, store.CallConnecting} {
		assert.True(t, CanTransition(from, store.CallRejected), "%s -> rejected", from)
		assert.True(t, CanTransition(from, store.CallCancelled), "%s -> cancelled", from)
		assert.True(t, CanTransition(from, store.CallFailed), "%s -> failed", from)
	}
}

func TestCreateCall_RejectsBusyCaller(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	caller := uuid.New()

	expectCallInsert(mock)
	_, err := cm.CreateCall(ctx, caller, uuid.New(), nil, store.CallVideo, "alice")
	require.NoError(t, err)

	_, err = cm.CreateCall(ctx, caller, uuid.New(), nil, store.CallVideo, "alice")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestScreenShare_Exclusivity(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	expectCallInsert(mock)
	call, err := cm.CreateCall(ctx, alice, bob, nil, store.CallVideo, "alice")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO call_participants").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cm.AddParticipant(ctx, call.ID, bob, "bob"))

	// Alice claims the slot; claiming again is idempotent.
	require.NoError(t, cm.StartScreenShare(ctx, call.ID, alice))
	require.NoError(t, cm.StartScreenShare(ctx, call.ID, alice))

	// Bob cannot claim while Alice holds it.
	err = cm.StartScreenShare(ctx, call.ID, bob)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAnotherSharing))

	snapshot, err := cm.Get(call.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.ScreenShareHolder)
	assert.Equal(t, alice, *snapshot.ScreenShareHolder)
	assert.True(t, snapshot.Participants[alice].Media.ScreenSharing)

	// After Alice stops, Bob succeeds and becomes the holder.
	require.NoError(t, cm.StopScreenShare(ctx, call.ID, alice))
	require.NoError(t, cm.StartScreenShare(ctx, call.ID, bob))

	snapshot, err = cm.Get(call.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.ScreenShareHolder)
	assert.Equal(t, bob, *snapshot.ScreenShareHolder)
}

func TestStopScreenShare_OnlyHolderMayStop(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	expectCallInsert(mock)
	call, err := cm.CreateCall(ctx, alice, bob, nil, store.CallVideo, "alice")
	require.NoError(t, err)
	require.NoError(t, cm.StartScreenShare(ctx, call.ID, alice))

	err = cm.StopScreenShare(ctx, call.ID, bob)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestEndCall_RejectedHasZeroDuration(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	expectCallInsert(mock)
	call, err := cm.CreateCall(ctx, alice, bob, nil, store.CallVideo, "alice")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE call_sessions SET state").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cm.Transition(ctx, call.ID, store.CallRinging))

	// Rejection before Connected persists duration zero.
	mock.ExpectExec("UPDATE call_sessions").
		WithArgs(store.CallRejected, sqlmock.AnyArg(), int32(0), call.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cm.EndCall(ctx, call.ID, store.CallRejected))

	// No further signaling is accepted for the call.
	_, err = cm.Get(call.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	err = cm.Transition(ctx, call.ID, store.CallConnected)
	assert.Error(t, err)

	// The caller is free for a new call.
	_, busy := cm.CallOf(alice)
	assert.False(t, busy)
}

func TestQualityReport_DrivesConnectingToConnected(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	expectCallInsert(mock)
	call, err := cm.CreateCall(ctx, alice, bob, nil, store.CallVideo, "alice")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE call_sessions SET state").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cm.Transition(ctx, call.ID, store.CallRinging))
	mock.ExpectExec("UPDATE call_sessions SET state").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, cm.Transition(ctx, call.ID, store.CallConnecting))

	mock.ExpectExec("UPDATE call_sessions SET state").WillReturnResult(sqlmock.NewResult(1, 1))
	became, err := cm.RecordQualityMetrics(ctx, call.ID, alice, QualityMetrics{RTTMs: 40})
	require.NoError(t, err)
	assert.True(t, became)

	snapshot, err := cm.Get(call.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CallConnected, snapshot.State)

	// A second report is a plain sample, no transition.
	became, err = cm.RecordQualityMetrics(ctx, call.ID, alice, QualityMetrics{RTTMs: 42})
	require.NoError(t, err)
	assert.False(t, became)
}

func TestSweepInactive_FailsStaleCalls(t *testing.T) {
	cm, mock := newCallFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	expectCallInsert(mock)
	call, err := cm.CreateCall(ctx, alice, bob, nil, store.CallVideo, "alice")
	require.NoError(t, err)

	// Backdate activity past the timeout.
	cm.mu.RLock()
	slot := cm.calls[call.ID]
	cm.mu.RUnlock()
	slot.mu.Lock()
	slot.call.LastActivity = time.Now().Add(-time.Hour)
	slot.mu.Unlock()

	mock.ExpectExec("UPDATE call_sessions").WillReturnResult(sqlmock.NewResult(1, 1))
	ended := cm.SweepInactive(ctx)
	require.Len(t, ended, 1)
	assert.Equal(t, call.ID, ended[0])
}
