package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/store"
)

func testHandler(t *testing.T) (*Handler, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return NewHandler(db, logging.Default()), db
}

func createTestUser(t *testing.T, db *store.DB, username, password string) int64 {
	t.Helper()

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	id, err := store.CreateUser(context.Background(), db, &store.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		MessageQuota: 1000,
		StorageQuota: 1 << 30,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return id
}

func TestAuthenticateSuccess(t *testing.T) {
	h, _ := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")

	user, err := h.Authenticate(context.Background(), "alice", "s3cret-pass", "203.0.113.5", "PLAIN")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("got user %q, want alice", user.Username)
	}
	if user.FailedAuthAttempts != 0 {
		t.Errorf("failed_auth_attempts = %d, want 0", user.FailedAuthAttempts)
	}
}

func TestAuthenticateByEmail(t *testing.T) {
	h, _ := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")

	if _, err := h.Authenticate(context.Background(), "alice@example.com", "s3cret-pass", "203.0.113.5", "PLAIN"); err != nil {
		t.Fatalf("Authenticate by email failed: %v", err)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	h, db := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")

	_, err := h.Authenticate(context.Background(), "alice", "wrong", "203.0.113.5", "PLAIN")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}

	user, err := store.GetUser(context.Background(), db, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.FailedAuthAttempts != 1 {
		t.Errorf("failed_auth_attempts = %d, want 1", user.FailedAuthAttempts)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	h, _ := testHandler(t)

	_, err := h.Authenticate(context.Background(), "nobody", "pw", "203.0.113.5", "PLAIN")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	h, db := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.Authenticate(ctx, "alice", "wrong", "203.0.113.5", "PLAIN"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// The sixth attempt fails even with the correct password.
	_, err := h.Authenticate(ctx, "alice", "s3cret-pass", "203.0.113.5", "PLAIN")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("got %v, want ErrAccountLocked", err)
	}

	// Age the last failure past the lockout window; the same attempt
	// succeeds and resets the counter.
	if _, err := db.Exec(
		`UPDATE users SET last_failed_auth = datetime('now', '-31 minutes') WHERE username = 'alice'`,
	); err != nil {
		t.Fatalf("failed to age lockout: %v", err)
	}

	user, err := h.Authenticate(ctx, "alice", "s3cret-pass", "203.0.113.5", "PLAIN")
	if err != nil {
		t.Fatalf("post-window Authenticate failed: %v", err)
	}
	if user.FailedAuthAttempts != 0 {
		t.Errorf("failed_auth_attempts = %d after successful auth, want 0", user.FailedAuthAttempts)
	}
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	h, db := testHandler(t)
	ctx := context.Background()

	// Store a legacy SHA-256 credential directly.
	legacy := "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b" // sha256("secret")
	if _, err := store.CreateUser(ctx, db, &store.User{
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: legacy,
		IsActive:     true,
	}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	if _, err := h.Authenticate(ctx, "bob", "secret", "203.0.113.5", "PLAIN"); err != nil {
		t.Fatalf("legacy Authenticate failed: %v", err)
	}

	user, err := store.GetUser(ctx, db, "bob")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if NeedsUpgrade(user.PasswordHash) {
		t.Error("credential was not upgraded to bcrypt after successful login")
	}
	if !VerifyPassword("secret", user.PasswordHash) {
		t.Error("upgraded credential no longer verifies")
	}
}

func TestCRAMMD5WithoutSecretFailsClosed(t *testing.T) {
	h, _ := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")

	_, err := h.VerifyCRAMMD5(context.Background(), "alice",
		"<1.abcd@mail.example.com>", "00000000000000000000000000000000", "203.0.113.5")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthAttemptsAreLogged(t *testing.T) {
	h, db := testHandler(t)
	createTestUser(t, h.db, "alice", "s3cret-pass")
	ctx := context.Background()

	h.Authenticate(ctx, "alice", "wrong", "203.0.113.5", "PLAIN")
	h.Authenticate(ctx, "alice", "s3cret-pass", "203.0.113.5", "PLAIN")

	var total, failures int
	if err := db.QueryRow(
		`SELECT COUNT(*), SUM(CASE WHEN success THEN 0 ELSE 1 END) FROM authentication_logs`,
	).Scan(&total, &failures); err != nil {
		t.Fatalf("failed to count auth logs: %v", err)
	}
	if total != 2 || failures != 1 {
		t.Errorf("auth log count = (%d, %d failures), want (2, 1)", total, failures)
	}
}
