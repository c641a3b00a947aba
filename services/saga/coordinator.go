package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/linkwithmentor/platform/infrastructure/config"
	apperrors "github.com/linkwithmentor/platform/infrastructure/errors"
	"github.com/linkwithmentor/platform/infrastructure/httputil"
	"github.com/linkwithmentor/platform/infrastructure/kv"
	"github.com/linkwithmentor/platform/infrastructure/logging"
	"github.com/linkwithmentor/platform/infrastructure/metrics"
	"github.com/linkwithmentor/platform/infrastructure/store"
)

const (
	lockKeyPrefix = "saga:"
	kvMirrorTTL   = 24 * time.Hour
)

// Coordinator drives sagas to completion. A saga is owned by at most one
// coordinator instance at a time, enforced by a distributed lock whose lease
// is renewed on each step.
type Coordinator struct {
	db      *store.DB
	kv      kv.Store
	cfg     config.SagaConfig
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewCoordinator wires the coordinator.
func NewCoordinator(db *store.DB, kvStore kv.Store, cfg config.SagaConfig, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		db:  db,
		kv:  kvStore,
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: httputil.DefaultTransportWithMinTLS12(),
		},
		logger:  logger,
		metrics: m,
	}
}

// Run executes the saga to a terminal state. It acquires the saga's
// distributed lock first; a saga already owned elsewhere returns Conflict.
func (c *Coordinator) Run(ctx context.Context, s *Saga) (*Saga, error) {
	lockKey := lockKeyPrefix + s.ID.String()
	token, ok, err := c.kv.TryLock(ctx, lockKey, c.cfg.LockLease)
	if err != nil {
		return nil, apperrors.Internal("saga lock acquire failed", err)
	}
	if !ok {
		return nil, apperrors.Conflict("saga is owned by another coordinator").
			WithDetails("saga_id", s.ID.String())
	}
	defer func() {
		if _, err := c.kv.Unlock(context.Background(), lockKey, token); err != nil {
			c.logger.WithError(err).Warn("Saga lock release failed")
		}
	}()

	s.Status = StatusInProgress
	if err := c.persist(ctx, s); err != nil {
		return nil, err
	}

	for s.CurrentStep < len(s.Steps) {
		// The lease renews before each step so a long saga never loses
		// ownership mid-flight.
		if renewed, err := c.kv.RefreshLock(ctx, lockKey, token, c.cfg.LockLease); err != nil || !renewed {
			s.MarkFailed("lost saga ownership")
			_ = c.persist(ctx, s)
			return s, apperrors.Conflict("saga lock lost during execution")
		}

		if err := c.executeStep(ctx, s); err != nil {
			s.MarkFailed(err.Error())
			_ = c.persist(ctx, s)
			c.compensate(ctx, s)
			c.recordSaga(s)
			return s, nil
		}
		s.Advance()
		if err := c.persist(ctx, s); err != nil {
			return s, err
		}
	}

	s.MarkCompleted()
	if err := c.persist(ctx, s); err != nil {
		return s, err
	}
	c.recordSaga(s)
	return s, nil
}

// executeStep runs the current step with its retry budget.
func (c *Coordinator) executeStep(ctx context.Context, s *Saga) error {
	step := s.CurrentStepRef()
	if step == nil {
		return fmt.Errorf("no current step")
	}

	step.Status = StepInProgress
	if err := c.persist(ctx, s); err != nil {
		return err
	}

	for {
		response, err := c.invoke(ctx, &step.Act, step.TimeoutSeconds)
		if err == nil {
			now := time.Now().UTC()
			step.Status = StepCompleted
			step.ExecutedAt = &now
			if len(response) > 0 && gjson.ValidBytes(response) {
				s.SetContext("step_"+step.Name+"_response", json.RawMessage(response))
			}
			c.recordStep(step.Name, string(StepCompleted))
			return nil
		}

		if !step.CanRetry() {
			step.ErrorMessage = err.Error()
			c.recordStep(step.Name, string(StepFailed))
			return fmt.Errorf("step %s failed after %d retries: %w", step.Name, step.RetryCount, err)
		}
		step.RetryCount++

		backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(step.RetryCount-1))
		c.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"saga_id": s.ID.String(),
			"step":    step.Name,
			"retry":   step.RetryCount,
			"backoff": backoff.String(),
		}).Warn("Saga step retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// compensate walks completed steps with compensations in reverse order.
// Compensation failures are logged but never abort the remaining
// compensations.
func (c *Coordinator) compensate(ctx context.Context, s *Saga) {
	s.Status = StatusCompensating
	_ = c.persist(ctx, s)

	steps := s.StepsToCompensate()
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		step.Status = StepCompensating
		_ = c.persist(ctx, s)

		var lastErr error
		for attempt := 0; attempt <= step.MaxRetries; attempt++ {
			if attempt > 0 {
				backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
				select {
				case <-ctx.Done():
				case <-time.After(backoff):
				}
				if ctx.Err() != nil {
					lastErr = ctx.Err()
					break
				}
			}
			if _, lastErr = c.invoke(ctx, step.Compensation, step.TimeoutSeconds); lastErr == nil {
				break
			}
		}

		if lastErr != nil {
			c.logger.WithContext(ctx).WithError(lastErr).WithFields(map[string]interface{}{
				"saga_id": s.ID.String(),
				"step":    step.Name,
			}).Error("Compensation failed")
			c.recordStep(step.Name, "compensation_failed")
			continue
		}

		now := time.Now().UTC()
		step.Status = StepCompensated
		step.CompensatedAt = &now
		c.recordStep(step.Name, string(StepCompensated))
		_ = c.persist(ctx, s)
	}

	s.Status = StatusCompensated
	s.UpdatedAt = time.Now().UTC()
	_ = c.persist(ctx, s)
}

// invoke issues one action call with its own timeout.
func (c *Coordinator) invoke(ctx context.Context, action *Action, timeoutSeconds int) ([]byte, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(c.cfg.DefaultTimeout.Seconds())
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	var body io.Reader
	switch action.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = bytes.NewReader(action.Payload)
	case http.MethodGet, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported method %q", action.Method)
	}

	req, err := http.NewRequestWithContext(callCtx, action.Method, action.Endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range action.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s returned %d", action.Method, action.Endpoint, resp.StatusCode)
	}
	return payload, nil
}

// persist snapshots the saga into the relational store and the KV mirror.
func (c *Coordinator) persist(ctx context.Context, s *Saga) error {
	s.UpdatedAt = time.Now().UTC()

	document, err := json.Marshal(s)
	if err != nil {
		return apperrors.Internal("saga marshal failed", err)
	}

	row := &store.SagaRow{
		ID:        s.ID,
		Type:      s.Type,
		Status:    string(s.Status),
		Document:  document,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.CompletedAt != nil {
		row.CompletedAt.Time = *s.CompletedAt
		row.CompletedAt.Valid = true
	}
	if err := c.db.Sagas.Save(ctx, row); err != nil {
		return apperrors.Storage("persist saga", err)
	}

	if err := c.kv.Set(ctx, lockKeyPrefix+s.ID.String()+":state", string(document), kvMirrorTTL); err != nil {
		c.logger.WithContext(ctx).WithError(err).Debug("Saga KV mirror write failed")
	}
	return nil
}

// Load rehydrates a saga document from the store.
func (c *Coordinator) Load(ctx context.Context, id uuid.UUID) (*Saga, error) {
	row, err := c.db.Sagas.Get(ctx, id)
	if err != nil {
		return nil, apperrors.NotFound("saga", id.String())
	}
	var s Saga
	if err := json.Unmarshal(row.Document, &s); err != nil {
		return nil, apperrors.Internal("saga unmarshal failed", err)
	}
	return &s, nil
}

// ResumeOrphans finds sagas in started, in_progress or compensating status
// whose owner stopped updating them and re-runs each one this instance can
// lock from its current step. Sagas persisted as failed are not selected, so
// compensations still pending on them are not resumed here.
func (c *Coordinator) ResumeOrphans(ctx context.Context) int {
	cutoff := time.Now().Add(-2 * c.cfg.LockLease)
	rows, err := c.db.Sagas.ListUnfinished(ctx, cutoff)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Orphan saga scan failed")
		return 0
	}

	resumed := 0
	for _, row := range rows {
		var s Saga
		if err := json.Unmarshal(row.Document, &s); err != nil {
			continue
		}

		// Reset a step caught mid-flight; actions are idempotent so
		// re-invoking is safe.
		if step := s.CurrentStepRef(); step != nil && step.Status == StepInProgress {
			step.Status = StepPending
		}

		if _, err := c.Run(ctx, &s); err != nil {
			if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
				c.logger.WithContext(ctx).WithError(err).Warn("Saga resume failed")
			}
			continue
		}
		resumed++
	}
	return resumed
}

func (c *Coordinator) recordSaga(s *Saga) {
	if c.metrics != nil {
		c.metrics.SagasTotal.WithLabelValues("saga", s.Type, string(s.Status)).Inc()
	}
}

func (c *Coordinator) recordStep(step, status string) {
	if c.metrics != nil {
		c.metrics.SagaStepsTotal.WithLabelValues("saga", step, status).Inc()
	}
}
