package retry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold != 2 {
		t.Errorf("SuccessThreshold = %d, want 2", cfg.SuccessThreshold)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		cb.RecordFailure(boom)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v after 2 failures, want closed", cb.State())
	}
	cb.RecordFailure(boom)
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v after 3 failures, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if cb.LastError() != boom {
		t.Errorf("LastError() = %v, want boom", cb.LastError())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second})

	cb.RecordFailure(errors.New("x"))
	cb.RecordSuccess()
	cb.RecordFailure(errors.New("x"))
	if cb.State() != CircuitClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenTransitions(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second})

	cb.RecordFailure(errors.New("down"))
	clock.Advance(5 * time.Second)
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() = nil before timeout, want ErrCircuitOpen")
	}

	clock.Advance(5 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v after one success, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v after two successes, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	cb.RecordFailure(errors.New("down"))
	clock.Advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure(errors.New("still down"))
	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	changes := make(chan [2]CircuitState, 4)
	cb, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			changes <- [2]CircuitState{from, to}
		},
	})

	cb.RecordFailure(errors.New("x"))
	select {
	case got := <-changes:
		if got != [2]CircuitState{CircuitClosed, CircuitOpen} {
			t.Errorf("transition = %v, want closed->open", got)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStateChange not called")
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Minute})

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	_ = cb.Execute(func() error { return errors.New("fail") })

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Execute() on open circuit = %v (called=%v), want ErrCircuitOpen without calling", err, called)
	}
}

func TestCircuitState_String(t *testing.T) {
	for state, want := range map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
