package ratelimit

import (
	"testing"

	"github.com/courier-mta/courierd/internal/logging"
)

func TestKeyShapes(t *testing.T) {
	l := New(nil, Config{Prefix: "smtp"}, logging.Default())

	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"conn", "203.0.113.5"}, "smtp:ratelimit:conn:203.0.113.5"},
		{[]string{"hour", "alice"}, "smtp:ratelimit:hour:alice"},
		{[]string{"day", "alice"}, "smtp:ratelimit:day:alice"},
		{[]string{"auth", "203.0.113.5"}, "smtp:ratelimit:auth:203.0.113.5"},
	}
	for _, tt := range tests {
		if got := l.key(tt.parts...); got != tt.want {
			t.Errorf("key(%v) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestPrefixDefaults(t *testing.T) {
	l := New(nil, Config{}, logging.Default())
	if got := l.key("conn", "ip"); got != "smtp:ratelimit:conn:ip" {
		t.Errorf("default prefix key = %q", got)
	}
}

func TestUnauthenticatedLimitsAreFixed(t *testing.T) {
	if unauthHourlyLimit != 50 {
		t.Errorf("unauth hourly limit = %d, want 50", unauthHourlyLimit)
	}
	if unauthDailyLimit != 200 {
		t.Errorf("unauth daily limit = %d, want 200", unauthDailyLimit)
	}
}
