package maildir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeliverCreatesMaildir(t *testing.T) {
	base := t.TempDir()
	s, err := NewStore(base)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	msg := []byte("From: a@b.c\r\n\r\nhello\r\n")
	if err := s.Deliver(7, msg); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	newDir := filepath.Join(base, "user_7", "INBOX", "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		t.Fatalf("failed to read new/: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d messages in new/, want 1", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(newDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if string(data) != string(msg) {
		t.Error("delivered bytes differ from input")
	}

	// tmp must be empty after a successful delivery.
	tmpEntries, _ := os.ReadDir(filepath.Join(base, "user_7", "INBOX", "tmp"))
	if len(tmpEntries) != 0 {
		t.Errorf("tmp/ holds %d files after delivery", len(tmpEntries))
	}
}

func TestDeliverMultipleMessages(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Deliver(1, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
			t.Fatalf("Deliver %d failed: %v", i, err)
		}
	}

	keys, err := s.FetchUnseen(1)
	if err != nil {
		t.Fatalf("FetchUnseen failed: %v", err)
	}
	if len(keys) != 5 {
		t.Errorf("unseen = %d, want 5", len(keys))
	}
}
