package outbound

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("expected Allow() true before threshold, attempt %d", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED before threshold reached", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN after threshold reached", cb.State())
	}
	if cb.Allow() {
		t.Fatal("Allow() = true while OPEN and before resetTimeout")
	}
}

func TestCircuitBreaker_HalfOpenAllowsOneProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}

	time.Sleep(15 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected first Allow() after resetTimeout to admit the probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected second concurrent Allow() to fail fast while probe in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after successful probe", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN after failed probe", cb.State())
	}
	if cb.Allow() {
		t.Fatal("Allow() = true immediately after a failed probe reopened the circuit")
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)

	wantErr := errors.New("boom")
	if err := cb.Execute(func() error { return wantErr }); err != wantErr {
		t.Fatalf("Execute() err = %v, want %v", err, wantErr)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN after Execute failure crossed threshold", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("Execute() err = %v, want ErrCircuitOpen while breaker is open", err)
	}
}
