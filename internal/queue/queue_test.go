package queue

import (
	"testing"
	"time"
)

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 15 * time.Minute},
		{3, 45 * time.Minute},
		{4, 2 * time.Hour},
		{5, 6 * time.Hour},
		{6, 12 * time.Hour},
		{7, 24 * time.Hour},
		{8, 24 * time.Hour},  // past the schedule reuses the last entry
		{50, 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayFloorsAtOne(t *testing.T) {
	if RetryDelay(0) != 5*time.Minute {
		t.Errorf("RetryDelay(0) = %v, want 5m", RetryDelay(0))
	}
	if RetryDelay(-3) != 5*time.Minute {
		t.Errorf("RetryDelay(-3) = %v, want 5m", RetryDelay(-3))
	}
}

func TestBackoffIsMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= len(backoffSchedule); attempt++ {
		d := RetryDelay(attempt)
		if d < prev {
			t.Errorf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestMemberFor(t *testing.T) {
	if memberFor(42) != "42" {
		t.Errorf("memberFor(42) = %q", memberFor(42))
	}
	if memberFor(0) != "0" {
		t.Errorf("memberFor(0) = %q", memberFor(0))
	}
}
