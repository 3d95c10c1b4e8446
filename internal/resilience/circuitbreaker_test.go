package resilience

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}

	cb.RecordFailure()
	if cb.Allow() {
		t.Error("breaker should be open after 3 failures")
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should allow a probe after the timeout")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state = %v after successful probe, want closed", cb.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}

	cb.RecordFailure()
	if cb.Allow() {
		t.Error("breaker should reopen after a failed probe")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if !cb.Allow() {
		t.Error("non-consecutive failures should not open the breaker")
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("example.com")
	b := r.Get("example.com")
	if a != b {
		t.Error("registry returned different breakers for the same key")
	}
	if r.Get("other.org") == a {
		t.Error("registry shared a breaker across keys")
	}
}
