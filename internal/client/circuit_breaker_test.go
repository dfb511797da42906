package client

import (
	"testing"
	"time"
)

func TestCircuitBreaker(t *testing.T) {
	// Fast settings: 3 failures, 50ms timeout
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Should allow dispatches in Closed state")
	}

	// Two failures keep the circuit closed.
	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Error("Should remain Closed after 2 failures")
	}

	// Third failure trips it.
	cb.Failure()
	if cb.State() != StateOpen {
		t.Error("Expected Open state after 3 failures")
	}
	if cb.Allow() {
		t.Error("Should NOT allow dispatches in Open state")
	}

	// After the timeout the next Allow admits a probe and moves to
	// Half-Open.
	time.Sleep(80 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Should allow probe after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen state, got %v", cb.State())
	}

	// Probe fails: back to Open.
	cb.Failure()
	if cb.State() != StateOpen {
		t.Error("Expected Open state after probe failure")
	}

	time.Sleep(80 * time.Millisecond)
	cb.Allow()

	// Probe succeeds: Closed, counters reset.
	cb.Success()
	if cb.State() != StateClosed {
		t.Error("Expected Closed state after probe success")
	}
	if cb.failures != 0 {
		t.Error("Failures should be reset")
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	cb.Failure()
	cb.Failure()
	cb.Success()
	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Error("Failure count should reset on success")
	}
}
