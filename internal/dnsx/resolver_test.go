package dnsx

import (
	"context"
	"testing"
	"time"

	"github.com/courier-mta/courierd/internal/logging"
)

func TestOrganizationalDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mail.example.com", "example.com"},
		{"a.b.c.example.org", "example.org"},
		{"example.com", "example.com"},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		if got := organizationalDomain(tt.in); got != tt.want {
			t.Errorf("organizationalDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheRoundTrip(t *testing.T) {
	r := New(logging.Default())

	r.store("mx:example.com", []MXRecord{{Priority: 10, Hostname: "mx.example.com"}})

	v, ok := r.cached("mx:example.com")
	if !ok {
		t.Fatal("cached entry not found")
	}
	records := v.([]MXRecord)
	if len(records) != 1 || records[0].Hostname != "mx.example.com" {
		t.Errorf("cached records = %v", records)
	}

	if _, ok := r.cached("mx:other.org"); ok {
		t.Error("unexpected cache hit")
	}

	r.ClearCache()
	if _, ok := r.cached("mx:example.com"); ok {
		t.Error("cache survived ClearCache")
	}
}

func TestCacheExpiry(t *testing.T) {
	r := New(logging.Default())

	r.mu.Lock()
	r.cache["mx:stale.example"] = cacheEntry{
		value:     []MXRecord{},
		expiresAt: time.Now().Add(-time.Minute),
	}
	r.mu.Unlock()

	if _, ok := r.cached("mx:stale.example"); ok {
		t.Error("expired entry served from cache")
	}
}

func TestSPFInvalidInputs(t *testing.T) {
	r := New(logging.Default())

	result := r.SPF(context.Background(), "not-an-ip", "alice@example.com", "helo.example.com")
	if result.Result != "none" {
		t.Errorf("SPF with invalid IP = %q, want none", result.Result)
	}

	result = r.SPF(context.Background(), "203.0.113.5", "", "helo.example.com")
	if result.Result != "none" {
		t.Errorf("SPF with empty sender = %q, want none", result.Result)
	}
}

func TestMXRejectsEmptyDomain(t *testing.T) {
	r := New(logging.Default())

	if _, err := r.MX(context.Background(), ""); err != ErrInvalidDomain {
		t.Errorf("MX(\"\") error = %v, want ErrInvalidDomain", err)
	}
}

func TestReverseNonIPv4Inputs(t *testing.T) {
	r := New(logging.Default())

	// Only IPv4 reverse lookups are required; IPv6 and garbage resolve
	// to no name without touching DNS.
	name, err := r.Reverse(context.Background(), "2001:db8::1")
	if err != nil || name != "" {
		t.Errorf("Reverse(IPv6) = (%q, %v), want empty", name, err)
	}
	name, err = r.Reverse(context.Background(), "not-an-ip")
	if err != nil || name != "" {
		t.Errorf("Reverse(garbage) = (%q, %v), want empty", name, err)
	}
}

func TestBlacklistsSkipsIPv6(t *testing.T) {
	r := New(logging.Default())

	results := r.Blacklists(context.Background(), "2001:db8::1", []string{"zen.spamhaus.org"})
	if len(results) != 0 {
		t.Errorf("IPv6 DNSBL results = %v, want empty", results)
	}
}
