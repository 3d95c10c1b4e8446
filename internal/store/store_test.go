package store

import (
	"context"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func testMessage() *Message {
	return &Message{
		MessageID:  "<t1@mail.example.com>",
		MailFrom:   "alice@example.com",
		RcptTo:     []string{"bob@example.net", "carol@example.org"},
		Subject:    "hello",
		Headers:    map[string]string{"Subject": "hello"},
		RawMessage: []byte("From: alice@example.com\r\n\r\nhi\r\n"),
		Size:       34,
		RemoteIP:   "203.0.113.5",
	}
}

func TestInsertAndGetMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := InsertMessage(ctx, db, testMessage())
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	got, err := GetMessage(ctx, db, id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if len(got.RcptTo) != 2 || got.RcptTo[0] != "bob@example.net" {
		t.Errorf("rcpt_to = %v", got.RcptTo)
	}
	if string(got.RawMessage) != "From: alice@example.com\r\n\r\nhi\r\n" {
		t.Error("raw message bytes were mutated")
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

func TestStatusTransitionsAreTerminal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := InsertMessage(ctx, db, testMessage())
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	if err := SetMessageStatus(ctx, db, id, StatusProcessing); err != nil {
		t.Fatalf("queued -> processing failed: %v", err)
	}
	if err := MarkMessageSent(ctx, db, id); err != nil {
		t.Fatalf("MarkMessageSent failed: %v", err)
	}

	// sent is terminal: further transitions are refused.
	if err := SetMessageStatus(ctx, db, id, StatusProcessing); err == nil {
		t.Error("transition away from sent should fail")
	}

	got, err := GetMessage(ctx, db, id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.DeliveredAt.IsZero() {
		t.Error("delivered_at not stamped")
	}
}

func TestAttemptsNeverDecrease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := InsertMessage(ctx, db, testMessage())
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	prev := 0
	for i := 0; i < 4; i++ {
		n, err := IncrementAttempts(ctx, db, id)
		if err != nil {
			t.Fatalf("IncrementAttempts failed: %v", err)
		}
		if n <= prev {
			t.Errorf("attempts did not increase: %d -> %d", prev, n)
		}
		prev = n
	}
	if prev != 4 {
		t.Errorf("attempts = %d, want 4", prev)
	}
}

func TestDeliveryAttemptsAppendOrdered(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := InsertMessage(ctx, db, testMessage())
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	for i, host := range []string{"mx1.example.net", "mx2.example.net"} {
		err := InsertDeliveryAttempt(ctx, db, &DeliveryAttempt{
			MessageID:     id,
			AttemptNumber: 1,
			MXHostname:    host,
			RemoteIP:      "198.51.100.10",
			StatusCode:    451,
			Success:       false,
			ErrorMessage:  "greylisted",
		})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	attempts, err := ListDeliveryAttempts(ctx, db, id)
	if err != nil {
		t.Fatalf("ListDeliveryAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].MXHostname != "mx1.example.net" || attempts[1].MXHostname != "mx2.example.net" {
		t.Errorf("attempts out of order: %v, %v", attempts[0].MXHostname, attempts[1].MXHostname)
	}
}

func TestBlacklistLookupAndExpiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := AddBlacklistEntry(ctx, db, &BlacklistEntry{
		EntryType: "ip",
		Value:     "198.51.100.99",
		Reason:    "spam source",
	}); err != nil {
		t.Fatalf("AddBlacklistEntry failed: %v", err)
	}

	entry, err := LookupBlacklist(ctx, db, "198.51.100.99")
	if err != nil {
		t.Fatalf("LookupBlacklist failed: %v", err)
	}
	if entry == nil || entry.EntryType != "ip" {
		t.Fatalf("entry = %+v", entry)
	}

	if entry, _ := LookupBlacklist(ctx, db, "not-listed"); entry != nil {
		t.Error("unlisted value returned an entry")
	}

	// Expired entries do not match.
	if _, err := db.Exec(
		`UPDATE blacklist SET expires_at = datetime('now', '-1 hour') WHERE value = '198.51.100.99'`,
	); err != nil {
		t.Fatalf("failed to expire entry: %v", err)
	}
	if entry, _ := LookupBlacklist(ctx, db, "198.51.100.99"); entry != nil {
		t.Error("expired entry still matched")
	}
}

func TestSpamScorePersistence(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := testMessage()
	if _, err := InsertMessage(ctx, db, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	err := InsertSpamScore(ctx, db, &SpamScore{
		MessageID:      msg.MessageID,
		TotalScore:     7.5,
		SpamThreshold:  5.0,
		IsSpam:         true,
		Scores:         map[string]float64{"subject_all_caps": 3.0},
		RulesTriggered: []string{"subject_all_caps"},
	})
	if err != nil {
		t.Fatalf("InsertSpamScore failed: %v", err)
	}
}

func TestUserDailyQuota(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := CreateUser(ctx, db, &User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		MessageQuota: 2,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := IncrementMessagesSentToday(ctx, db, id); err != nil {
			t.Fatalf("IncrementMessagesSentToday failed: %v", err)
		}
	}

	user, err := GetUser(ctx, db, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.MessagesSentToday != 2 {
		t.Errorf("messages_sent_today = %d, want 2", user.MessagesSentToday)
	}

	if err := ResetDailyQuotas(ctx, db); err != nil {
		t.Fatalf("ResetDailyQuotas failed: %v", err)
	}
	user, _ = GetUser(ctx, db, "alice")
	if user.MessagesSentToday != 0 {
		t.Errorf("messages_sent_today = %d after reset, want 0", user.MessagesSentToday)
	}
}
