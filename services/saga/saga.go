// Package saga implements the distributed transaction coordinator: typed
// multi-step workflows executed in order with per-step retry and
// reverse-order compensation on failure. Saga state persists on every
// transition so a crashed coordinator can be resumed by whichever instance
// next acquires the saga's lock.
package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the saga lifecycle status.
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// StepStatus is the per-step lifecycle status.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepInProgress   StepStatus = "in_progress"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
	StepSkipped      StepStatus = "skipped"
)

// Action is one service invocation: endpoint, method, payload, headers.
// Actions MUST be idempotent; the coordinator retries at-least-once.
type Action struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Step is one ordered saga step with optional compensation.
type Step struct {
	ID             uuid.UUID  `json:"step_id"`
	Name           string     `json:"step_name"`
	Service        string     `json:"service_name"`
	Act            Action     `json:"action"`
	Compensation   *Action    `json:"compensation,omitempty"`
	Status         StepStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	CompensatedAt  *time.Time `json:"compensated_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// NewStep builds a step with default retry and timeout budgets.
func NewStep(name, service string, action Action, compensation *Action) Step {
	return Step{
		ID:             uuid.New(),
		Name:           name,
		Service:        service,
		Act:            action,
		Compensation:   compensation,
		Status:         StepPending,
		MaxRetries:     3,
		TimeoutSeconds: 30,
	}
}

// WithTimeout overrides the step timeout.
func (s Step) WithTimeout(seconds int) Step {
	s.TimeoutSeconds = seconds
	return s
}

// WithMaxRetries overrides the step retry budget.
func (s Step) WithMaxRetries(n int) Step {
	s.MaxRetries = n
	return s
}

// CanRetry reports whether the step has retry budget left.
func (s *Step) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// Saga is a persisted, ordered workflow.
type Saga struct {
	ID          uuid.UUID                  `json:"saga_id"`
	Type        string                     `json:"saga_type"`
	Status      Status                     `json:"status"`
	Steps       []Step                     `json:"steps"`
	CurrentStep int                        `json:"current_step"`
	Context     map[string]json.RawMessage `json:"context"`
	ActorID     *uuid.UUID                 `json:"actor_id,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// New creates an empty saga of the given type.
func New(sagaType string) *Saga {
	now := time.Now().UTC()
	return &Saga{
		ID:        uuid.New(),
		Type:      sagaType,
		Status:    StatusStarted,
		Context:   make(map[string]json.RawMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) {
	s.Steps = append(s.Steps, step)
	s.UpdatedAt = time.Now().UTC()
}

// SetContext stores a context value.
func (s *Saga) SetContext(key string, value json.RawMessage) {
	if s.Context == nil {
		s.Context = make(map[string]json.RawMessage)
	}
	s.Context[key] = value
	s.UpdatedAt = time.Now().UTC()
}

// GetContext reads a context value.
func (s *Saga) GetContext(key string) (json.RawMessage, bool) {
	v, ok := s.Context[key]
	return v, ok
}

// CurrentStepRef returns the step under execution, or nil past the end.
func (s *Saga) CurrentStepRef() *Step {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil
	}
	return &s.Steps[s.CurrentStep]
}

// Advance moves to the next step.
func (s *Saga) Advance() {
	if s.CurrentStep < len(s.Steps) {
		s.CurrentStep++
	}
	s.UpdatedAt = time.Now().UTC()
}

// MarkCompleted finishes the saga successfully.
func (s *Saga) MarkCompleted() {
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	s.UpdatedAt = now
}

// MarkFailed fails the saga and the current step.
func (s *Saga) MarkFailed(errMsg string) {
	s.Status = StatusFailed
	s.UpdatedAt = time.Now().UTC()
	if step := s.CurrentStepRef(); step != nil {
		step.Status = StepFailed
		step.ErrorMessage = errMsg
	}
}

// IsTerminal reports whether the saga reached a final status with no pending
// compensations.
func (s *Saga) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusCompensated:
		return true
	case StatusFailed:
		return len(s.StepsToCompensate()) == 0
	default:
		return false
	}
}

// StepsToCompensate returns completed steps with a compensation, in
// execution order. Compensation runs over this list in reverse.
func (s *Saga) StepsToCompensate() []*Step {
	var out []*Step
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Status == StepCompleted && step.Compensation != nil {
			out = append(out, step)
		}
	}
	return out
}
