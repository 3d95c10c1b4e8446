package greylist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/courier-mta/courierd/internal/store"
)

func testGreylister(t *testing.T, cfg Config) (*Greylister, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db.DB, cfg), db
}

func TestFirstContactIsDeferred(t *testing.T) {
	g, _ := testGreylister(t, DefaultConfig())
	ctx := context.Background()

	allow, firstTime, err := g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if allow {
		t.Error("first contact should be deferred")
	}
	if !firstTime {
		t.Error("first contact should be reported as first sighting")
	}

	// Immediately retrying is still inside the delay window.
	allow, firstTime, err = g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")
	if err != nil {
		t.Fatalf("second Check failed: %v", err)
	}
	if allow || firstTime {
		t.Errorf("retry inside window: allow=%v firstTime=%v", allow, firstTime)
	}
}

func TestAllowedAfterDelay(t *testing.T) {
	g, db := testGreylister(t, Config{Enabled: true, MinDelay: 5 * time.Minute})
	ctx := context.Background()

	g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")

	// Age the triple past the delay.
	if _, err := db.Exec(
		`UPDATE greylist SET first_seen = datetime('now', '-6 minutes')`,
	); err != nil {
		t.Fatalf("failed to age triple: %v", err)
	}

	allow, _, err := g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allow {
		t.Error("triple should pass after the delay")
	}

	// Subsequent deliveries pass immediately.
	allow, _, _ = g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")
	if !allow {
		t.Error("passed triple should keep passing")
	}
}

func TestWhitelistBypassesDelay(t *testing.T) {
	g, _ := testGreylister(t, DefaultConfig())
	ctx := context.Background()

	if err := g.Whitelist(ctx, "203.0.113.5", "alice@example.com", "bob@example.net"); err != nil {
		t.Fatalf("Whitelist failed: %v", err)
	}

	allow, _, err := g.Check(ctx, "203.0.113.5", "alice@example.com", "bob@example.net")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allow {
		t.Error("whitelisted triple should be allowed immediately")
	}
}

func TestDisabledGreylisterAllowsEverything(t *testing.T) {
	g, _ := testGreylister(t, Config{Enabled: false})

	allow, _, err := g.Check(context.Background(), "203.0.113.5", "a@b.c", "d@e.f")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !allow {
		t.Error("disabled greylister must allow")
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.57", "203.0.113.0"},
		{"203.0.113.57:4242", "203.0.113.0"},
		{"not-an-ip", "not-an-ip"},
	}
	for _, tt := range tests {
		if got := normalizeIP(tt.in); got != tt.want {
			t.Errorf("normalizeIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
