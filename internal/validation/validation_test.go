package validation

import (
	"strings"
	"testing"
)

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in         string
		local      string
		domain     string
		wantErr    bool
	}{
		{"alice@example.com", "alice", "example.com", false},
		{"<alice@example.com>", "alice", "example.com", false},
		{"Alice.B+tag@Example.COM", "alice.b+tag", "example.com", false},
		{"no-at-sign", "", "", true},
		{"@example.com", "", "", true},
		{"alice@", "", "", true},
		{"a..b@example.com", "", "", true},
		{"alice@-bad.com", "", "", true},
	}

	for _, tt := range tests {
		local, domain, err := SplitAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if local != tt.local || domain != tt.domain {
			t.Errorf("SplitAddress(%q) = (%q, %q), want (%q, %q)", tt.in, local, domain, tt.local, tt.domain)
		}
	}
}

func TestDomain(t *testing.T) {
	valid := []string{"example.com", "mail.example.co.uk", "a.io", "localhost"}
	for _, d := range valid {
		if err := Domain(d); err != nil {
			t.Errorf("Domain(%q) = %v, want nil", d, err)
		}
	}

	invalid := []string{"", "-bad.com", "bad-.com", strings.Repeat("a", 300) + ".com", "exa mple.com"}
	for _, d := range invalid {
		if err := Domain(d); err == nil {
			t.Errorf("Domain(%q) = nil, want error", d)
		}
	}
}

func TestAddressDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@Example.COM", "example.com"},
		{"<bob@mail.example.net>", "mail.example.net"},
		{"no-at", ""},
	}
	for _, tt := range tests {
		if got := AddressDomain(tt.in); got != tt.want {
			t.Errorf("AddressDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
