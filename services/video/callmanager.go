package video

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

const (
	callCacheKeyPrefix   = "call:"
	callMetricsKeyPrefix = "call_metrics:"
	callCacheTTL         = time.Hour
)

// callSlot pairs one active call with its lock so independent calls never
// contend.
type callSlot struct {
	mu   sync.Mutex
	call *ActiveCall
}

// CallManager owns active call state: a per-call locked in-memory image plus
// the persisted call_sessions/call_participants rows and a KV mirror for
// cross-instance reads.
type CallManager struct {
	db      *store.DB
	kv      kv.Store
	cfg     config.VideoConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	calls map[uuid.UUID]*callSlot
	// byUser indexes users to the call they are currently in.
	byUser map[uuid.UUID]uuid.UUID
}

// NewCallManager wires the manager.
func NewCallManager(db *store.DB, kvStore kv.Store, cfg config.VideoConfig, logger *logging.Logger, m *metrics.Metrics) *CallManager {
	return &CallManager{
		db:      db,
		kv:      kvStore,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		calls:   make(map[uuid.UUID]*callSlot),
		byUser:  make(map[uuid.UUID]uuid.UUID),
	}
}

// CreateCall persists and registers a new call in Initiating state with the
// caller as first participant.
func (cm *CallManager) CreateCall(ctx context.Context, callerID, calleeID uuid.UUID, sessionID *uuid.UUID, kind store.CallKind, callerUsername string) (*ActiveCall, error) {
	cm.mu.Lock()
	if _, busy := cm.byUser[callerID]; busy {
		cm.mu.Unlock()
		return nil, apperrors.Conflict("caller is already in a call")
	}

	now := time.Now().UTC()
	call := &ActiveCall{
		ID:           uuid.New(),
		CallerID:     callerID,
		CalleeID:     calleeID,
		SessionID:    sessionID,
		Kind:         kind,
		State:        store.CallInitiating,
		Participants: make(map[uuid.UUID]*Participant),
		StartedAt:    now,
		LastActivity: now,
	}
	call.Participants[callerID] = &Participant{
		UserID:     callerID,
		Username:   callerUsername,
		JoinedAt:   now,
		Media:      DefaultMediaState(kind),
		Connection: ParticipantConnecting,
	}

	cm.calls[call.ID] = &callSlot{call: call}
	cm.byUser[callerID] = call.ID
	cm.mu.Unlock()

	row := &store.CallSession{
		ID:        call.ID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		SessionID: sessionID,
		Kind:      kind,
		State:     store.CallInitiating,
		StartedAt: now,
	}
	if err := cm.db.Calls.InsertCall(ctx, row); err != nil {
		cm.evict(call.ID)
		return nil, apperrors.Storage("insert call", err)
	}

	media, _ := json.Marshal(call.Participants[callerID].Media)
	if err := cm.db.Calls.UpsertParticipant(ctx, &store.CallParticipantRow{
		CallID:     call.ID,
		UserID:     callerID,
		JoinedAt:   now,
		MediaState: media,
	}); err != nil {
		cm.logger.WithContext(ctx).WithError(err).Warn("Participant row insert failed")
	}

	cm.cacheCall(ctx, call)
	cm.recordAnalytics(callerID, "call_started", call.ID)
	if cm.metrics != nil {
		cm.metrics.CallsActive.Inc()
	}

	cm.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"call_id":   call.ID.String(),
		"caller_id": callerID.String(),
		"callee_id": calleeID.String(),
	}).Info("Call created")

	return cm.snapshot(call.ID), nil
}

// withCall runs fn under the per-call lock.
func (cm *CallManager) withCall(callID uuid.UUID, fn func(call *ActiveCall) error) error {
	cm.mu.RLock()
	slot, ok := cm.calls[callID]
	cm.mu.RUnlock()
	if !ok {
		return apperrors.NotFound("call", callID.String())
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	return fn(slot.call)
}

// Get returns a deep-enough copy of the call for read-only use.
func (cm *CallManager) Get(callID uuid.UUID) (*ActiveCall, error) {
	snapshot := cm.snapshot(callID)
	if snapshot == nil {
		return nil, apperrors.NotFound("call", callID.String())
	}
	return snapshot, nil
}

func (cm *CallManager) snapshot(callID uuid.UUID) *ActiveCall {
	cm.mu.RLock()
	slot, ok := cm.calls[callID]
	cm.mu.RUnlock()
	if !ok {
		return nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	copied := *slot.call
	copied.Participants = make(map[uuid.UUID]*Participant, len(slot.call.Participants))
	for id, p := range slot.call.Participants {
		pc := *p
		copied.Participants[id] = &pc
	}
	return &copied
}

// CallOf returns the call the user currently participates in, if any.
func (cm *CallManager) CallOf(userID uuid.UUID) (uuid.UUID, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	id, ok := cm.byUser[userID]
	return id, ok
}

// Transition moves the call to a new state, enforcing monotonicity, and
// persists the change.
func (cm *CallManager) Transition(ctx context.Context, callID uuid.UUID, to store.CallState) error {
	var from store.CallState
	err := cm.withCall(callID, func(call *ActiveCall) error {
		from = call.State
		if call.State == to {
			return nil
		}
		if !CanTransition(call.State, to) {
			return apperrors.Conflict("invalid call state transition").
				WithDetails("from", string(call.State)).
				WithDetails("to", string(to))
		}
		call.State = to
		call.LastActivity = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	if err := cm.db.Calls.UpdateState(ctx, callID, to); err != nil {
		return apperrors.Storage("update call state", err)
	}
	cm.cacheCallByID(ctx, callID)
	return nil
}

// AddParticipant registers a user joining the call.
func (cm *CallManager) AddParticipant(ctx context.Context, callID, userID uuid.UUID, username string) error {
	now := time.Now().UTC()
	var media MediaState

	err := cm.withCall(callID, func(call *ActiveCall) error {
		if IsTerminal(call.State) {
			return apperrors.Conflict("call already ended")
		}
		active := 0
		for _, p := range call.Participants {
			if p.LeftAt == nil {
				active++
			}
		}
		if active >= cm.cfg.MaxParticipants {
			return apperrors.Conflict("maximum participants reached")
		}

		media = DefaultMediaState(call.Kind)
		call.Participants[userID] = &Participant{
			UserID:     userID,
			Username:   username,
			JoinedAt:   now,
			Media:      media,
			Connection: ParticipantConnecting,
		}
		call.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.byUser[userID] = callID
	cm.mu.Unlock()

	mediaJSON, _ := json.Marshal(media)
	if err := cm.db.Calls.UpsertParticipant(ctx, &store.CallParticipantRow{
		CallID:     callID,
		UserID:     userID,
		JoinedAt:   now,
		MediaState: mediaJSON,
	}); err != nil {
		cm.logger.WithContext(ctx).WithError(err).Warn("Participant row upsert failed")
	}

	cm.cacheCallByID(ctx, callID)
	return nil
}

// RemoveParticipant marks a user as departed, releasing the screen-share
// slot if held.
func (cm *CallManager) RemoveParticipant(ctx context.Context, callID, userID uuid.UUID) error {
	now := time.Now().UTC()

	err := cm.withCall(callID, func(call *ActiveCall) error {
		p, ok := call.Participants[userID]
		if !ok {
			return apperrors.NotFound("participant", userID.String())
		}
		p.LeftAt = &now
		p.Connection = ParticipantDisconnected
		if call.ScreenShareHolder != nil && *call.ScreenShareHolder == userID {
			call.ScreenShareHolder = nil
			p.Media.ScreenSharing = false
		}
		call.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}

	cm.mu.Lock()
	if current, ok := cm.byUser[userID]; ok && current == callID {
		delete(cm.byUser, userID)
	}
	cm.mu.Unlock()

	if err := cm.db.Calls.MarkParticipantLeft(ctx, callID, userID, now); err != nil {
		cm.logger.WithContext(ctx).WithError(err).Warn("Participant departure persist failed")
	}
	return nil
}

// UpdateMediaState replaces a participant's media toggles.
func (cm *CallManager) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, media MediaState) error {
	err := cm.withCall(callID, func(call *ActiveCall) error {
		p, ok := call.Participants[userID]
		if !ok || p.LeftAt != nil {
			return apperrors.NotParticipant("call")
		}
		// The screen-share flag is owned by Start/StopScreenShare.
		media.ScreenSharing = p.Media.ScreenSharing
		p.Media = media
		call.LastActivity = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	mediaJSON, _ := json.Marshal(media)
	if err := cm.db.Calls.UpdateParticipantMedia(ctx, callID, userID, mediaJSON); err != nil {
		cm.logger.WithContext(ctx).WithError(err).Warn("Media state persist failed")
	}
	return nil
}

// StartScreenShare claims the single screen-share slot.
func (cm *CallManager) StartScreenShare(ctx context.Context, callID, userID uuid.UUID) error {
	return cm.withCall(callID, func(call *ActiveCall) error {
		p, ok := call.Participants[userID]
		if !ok || p.LeftAt != nil {
			return apperrors.NotParticipant("call")
		}
		if call.ScreenShareHolder != nil && *call.ScreenShareHolder != userID {
			return apperrors.AnotherSharing()
		}
		holder := userID
		call.ScreenShareHolder = &holder
		p.Media.ScreenSharing = true
		call.LastActivity = time.Now().UTC()
		return nil
	})
}

// StopScreenShare releases the slot iff the caller holds it.
func (cm *CallManager) StopScreenShare(ctx context.Context, callID, userID uuid.UUID) error {
	return cm.withCall(callID, func(call *ActiveCall) error {
		if call.ScreenShareHolder == nil || *call.ScreenShareHolder != userID {
			return apperrors.Forbidden("screen share not held by caller")
		}
		call.ScreenShareHolder = nil
		if p, ok := call.Participants[userID]; ok {
			p.Media.ScreenSharing = false
		}
		call.LastActivity = time.Now().UTC()
		return nil
	})
}

// RecordQualityMetrics stores a client's quality sample in the KV store and
// refreshes call activity. A report while Connecting drives the transition
// to Connected.
func (cm *CallManager) RecordQualityMetrics(ctx context.Context, callID, userID uuid.UUID, m QualityMetrics) (becameConnected bool, err error) {
	err = cm.withCall(callID, func(call *ActiveCall) error {
		p, ok := call.Participants[userID]
		if !ok || p.LeftAt != nil {
			return apperrors.NotParticipant("call")
		}
		p.Connection = ParticipantConnected
		call.LastActivity = time.Now().UTC()
		if call.State == store.CallConnecting {
			call.State = store.CallConnected
			becameConnected = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if becameConnected {
		if err := cm.db.Calls.UpdateState(ctx, callID, store.CallConnected); err != nil {
			cm.logger.WithContext(ctx).WithError(err).Warn("Connected transition persist failed")
		}
		cm.cacheCallByID(ctx, callID)
	}

	data, marshalErr := json.Marshal(m)
	if marshalErr == nil {
		key := callMetricsKeyPrefix + callID.String() + ":" + userID.String()
		if err := cm.kv.Set(ctx, key, string(data), cm.cfg.MetricsTTL); err != nil {
			cm.logger.WithContext(ctx).WithError(err).Debug("Quality metrics store failed")
		}
	}
	return becameConnected, nil
}

// EndCall drives the call to a terminal state, persists duration, and evicts
// it from memory.
func (cm *CallManager) EndCall(ctx context.Context, callID uuid.UUID, terminal store.CallState) error {
	if !IsTerminal(terminal) {
		return apperrors.Validation("state", "not a terminal state")
	}

	now := time.Now().UTC()
	var startedAt time.Time
	var kind store.CallKind
	var callerID uuid.UUID
	var connected bool

	err := cm.withCall(callID, func(call *ActiveCall) error {
		if IsTerminal(call.State) {
			return apperrors.Conflict("call already ended")
		}
		if terminal != store.CallFailed && !CanTransition(call.State, terminal) {
			return apperrors.Conflict("invalid terminal transition").
				WithDetails("from", string(call.State)).
				WithDetails("to", string(terminal))
		}
		connected = call.State == store.CallConnected || call.State == store.CallOnHold
		call.State = terminal
		startedAt = call.StartedAt
		kind = call.Kind
		callerID = call.CallerID
		return nil
	})
	if err != nil {
		return err
	}

	// Duration counts only for calls that actually connected.
	duration := int32(0)
	if connected {
		duration = int32(now.Sub(startedAt).Seconds())
	}

	if err := cm.db.Calls.EndCall(ctx, callID, terminal, now, duration); err != nil {
		return apperrors.Storage("end call", err)
	}

	cm.evict(callID)
	_ = cm.kv.Del(ctx, callCacheKeyPrefix+callID.String())
	cm.recordAnalytics(callerID, "call_ended", callID)

	if cm.metrics != nil {
		cm.metrics.CallsActive.Dec()
		cm.metrics.RecordCallEnded("video", string(kind), string(terminal), time.Duration(duration)*time.Second)
	}

	cm.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"call_id":  callID.String(),
		"state":    string(terminal),
		"duration": duration,
	}).Info("Call ended")
	return nil
}

// SweepInactive fails calls whose last activity predates the timeout.
// Returns the ended call ids.
func (cm *CallManager) SweepInactive(ctx context.Context) []uuid.UUID {
	cutoff := time.Now().Add(-cm.cfg.InactivityTimeout)

	cm.mu.RLock()
	var stale []uuid.UUID
	for id, slot := range cm.calls {
		slot.mu.Lock()
		if slot.call.LastActivity.Before(cutoff) && !IsTerminal(slot.call.State) {
			stale = append(stale, id)
		}
		slot.mu.Unlock()
	}
	cm.mu.RUnlock()

	for _, id := range stale {
		if err := cm.EndCall(ctx, id, store.CallFailed); err != nil {
			cm.logger.WithContext(ctx).WithError(err).Warn("Inactive call sweep failed")
		}
	}
	return stale
}

// SweepConnecting fails the Connecting→Connected grace period: calls stuck
// in Connecting past the grace window transition to Connected anyway (the
// media plane is assumed up when the signaling completed).
func (cm *CallManager) SweepConnecting(ctx context.Context) {
	cutoff := time.Now().Add(-cm.cfg.ConnectGrace)

	cm.mu.RLock()
	var stuck []uuid.UUID
	for id, slot := range cm.calls {
		slot.mu.Lock()
		if slot.call.State == store.CallConnecting && slot.call.LastActivity.Before(cutoff) {
			stuck = append(stuck, id)
		}
		slot.mu.Unlock()
	}
	cm.mu.RUnlock()

	for _, id := range stuck {
		if err := cm.Transition(ctx, id, store.CallConnected); err != nil {
			cm.logger.WithContext(ctx).WithError(err).Debug("Connect grace transition failed")
		}
	}
}

func (cm *CallManager) evict(callID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	slot, ok := cm.calls[callID]
	if !ok {
		return
	}
	delete(cm.calls, callID)
	for userID := range slot.call.Participants {
		if current, ok := cm.byUser[userID]; ok && current == callID {
			delete(cm.byUser, userID)
		}
	}
}

func (cm *CallManager) recordAnalytics(userID uuid.UUID, eventType string, callID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		payload, _ := json.Marshal(map[string]string{"call_id": callID.String()})
		err := cm.db.Analytics.Insert(ctx, &store.AnalyticsEvent{
			ID:        uuid.New(),
			UserID:    userID,
			EventType: eventType,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			cm.logger.WithError(err).Debug("Analytics insert failed")
		}
	}()
}

func (cm *CallManager) cacheCallByID(ctx context.Context, callID uuid.UUID) {
	if call := cm.snapshot(callID); call != nil {
		cm.cacheCall(ctx, call)
	}
}

func (cm *CallManager) cacheCall(ctx context.Context, call *ActiveCall) {
	data, err := json.Marshal(call)
	if err != nil {
		return
	}
	if err := cm.kv.Set(ctx, callCacheKeyPrefix+call.ID.String(), string(data), callCacheTTL); err != nil {
		cm.logger.WithContext(ctx).WithError(err).Debug("Call cache write failed")
	}
}
