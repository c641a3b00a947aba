// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config for circuit breaker
type Config struct {
	MaxFailures   int           // consecutive failures before opening
	Cooldown      time.Duration // time in open state before probing
	ProbeQuota    int           // successful probes required to close
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Cooldown:    60 * time.Second,
		ProbeQuota:  3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu           sync.RWMutex
	config       Config
	state        State
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

// New creates a new CircuitBreaker
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// State returns current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err == nil)
	return err
}

// Allow reports whether a request may proceed, transitioning Open→HalfOpen
// after the cooldown. Callers that manage the request themselves must report
// the outcome via RecordSuccess/RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// RecordSuccess reports a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.afterRequest(true)
}

// RecordFailure reports a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.afterRequest(false)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.Cooldown {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.ProbeQuota {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.ProbeQuota {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, newState)
	}
}

// Registry keeps one breaker per named target service.
type Registry struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry sharing one configuration.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[target]
	if !ok {
		cfg := r.config
		if r.config.OnStateChange != nil {
			onChange := r.config.OnStateChange
			cfg.OnStateChange = func(from, to State) { onChange(from, to) }
		}
		cb = New(cfg)
		r.breakers[target] = cb
	}
	return cb
}

// States returns a snapshot of all breaker states keyed by target.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for target, cb := range r.breakers {
		out[target] = cb.State()
	}
	return out
}
