package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, Cooldown: time.Second})
	testErr := errors.New("test error")

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func() error {
			return testErr
		})
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open, got %v", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{MaxFailures: 3, Cooldown: time.Second})
	testErr := errors.New("test error")

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func() error { return testErr })
	}
	cb.Execute(context.Background(), func() error { return nil })
	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func() error { return testErr })
	}

	if cb.State() != StateClosed {
		t.Errorf("expected closed after non-consecutive failures, got %v", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Cooldown: time.Minute})

	cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_ClosesAfterProbeQuota(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond, ProbeQuota: 2})

	cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("expected closed after probe quota, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond, ProbeQuota: 3})

	cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	time.Sleep(20 * time.Millisecond)

	cb.Execute(context.Background(), func() error {
		return errors.New("probe fails")
	})

	if cb.State() != StateOpen {
		t.Errorf("expected open after half-open failure, got %v", cb.State())
	}
}

func TestRegistry_SeparateBreakersPerTarget(t *testing.T) {
	reg := NewRegistry(Config{MaxFailures: 1, Cooldown: time.Minute})

	reg.Get("payment").RecordFailure()

	if reg.Get("payment").State() != StateOpen {
		t.Errorf("expected payment breaker open")
	}
	if reg.Get("chat").State() != StateClosed {
		t.Errorf("expected chat breaker untouched")
	}

	states := reg.States()
	if states["payment"] != StateOpen || states["chat"] != StateClosed {
		t.Errorf("unexpected state snapshot: %v", states)
	}
}
