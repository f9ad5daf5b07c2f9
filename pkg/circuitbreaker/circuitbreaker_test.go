package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		MaxRequestsHalfOpen: 3,
	}
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errTestError })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New(DefaultConfig())

	if err := succeed(cb); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := New(testConfig())

	if err := fail(cb); err == nil {
		t.Error("Expected error, got nil")
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed after one failure, got: %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())

	fail(cb)
	fail(cb)

	if cb.State() != StateOpen {
		t.Errorf("Expected state open, got: %v", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := New(testConfig())

	fail(cb)
	succeed(cb)
	fail(cb)

	if cb.State() != StateClosed {
		t.Errorf("Expected state closed, got: %v", cb.State())
	}
}

func TestCircuitBreaker_OpenState_RejectsWithoutCalling(t *testing.T) {
	cb := New(testConfig())
	fail(cb)
	fail(cb)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if err == nil {
		t.Error("Expected rejection error, got nil")
	}
	if called {
		t.Error("Expected fn not to be invoked while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(testConfig())
	fail(cb)
	fail(cb)

	time.Sleep(60 * time.Millisecond)

	// first probe moves the breaker to half-open
	if err := succeed(cb); err != nil {
		t.Fatalf("Expected probe to pass, got: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state half-open, got: %v", cb.State())
	}

	if err := succeed(cb); err != nil {
		t.Fatalf("Expected second probe to pass, got: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state closed after recovery, got: %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	fail(cb)
	fail(cb)

	time.Sleep(60 * time.Millisecond)

	fail(cb)

	if cb.State() != StateOpen {
		t.Errorf("Expected state open after failed probe, got: %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 10 // keep the breaker half-open for the whole test
	cb := New(cfg)
	fail(cb)
	fail(cb)

	time.Sleep(60 * time.Millisecond)

	allowed := 0
	for i := 0; i < 6; i++ {
		if succeed(cb) == nil {
			allowed++
		}
	}

	if allowed != cfg.MaxRequestsHalfOpen {
		t.Errorf("Expected %d probes allowed, got: %d", cfg.MaxRequestsHalfOpen, allowed)
	}
}

func TestCircuitBreaker_ContextErrorShortCircuits(t *testing.T) {
	cb := New(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if called {
		t.Error("Expected fn not to be invoked with cancelled context")
	}
}

func TestCircuitBreaker_OnStateChangeNotified(t *testing.T) {
	cb := New(testConfig())

	type change struct{ from, to State }
	changes := make(chan change, 1)
	cb.OnStateChange(func(from, to State) {
		changes <- change{from, to}
	})

	fail(cb)
	fail(cb)

	select {
	case c := <-changes:
		if c.from != StateClosed || c.to != StateOpen {
			t.Errorf("Expected closed->open, got: %v->%v", c.from, c.to)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected state change notification")
	}
}
