// Package maildir stores locally delivered mail in per-user Maildirs.
package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-maildir"
)

// Store delivers messages into per-user maildirs under a base path.
type Store struct {
	basePath string

	mu sync.Mutex
}

// NewStore creates a maildir store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create maildir root: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// userPath returns the INBOX maildir path for a user.
func (s *Store) userPath(userID int64) string {
	return filepath.Join(s.basePath, fmt.Sprintf("user_%d", userID), "INBOX")
}

// ensureMaildir creates the maildir structure if it doesn't exist.
func (s *Store) ensureMaildir(path string) (maildir.Dir, error) {
	for _, subdir := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, subdir), 0750); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", subdir, err)
		}
	}
	return maildir.Dir(path), nil
}

// Deliver writes a message into the user's INBOX. The write goes to tmp
// first and is renamed into new, so readers never observe partial
// messages.
func (s *Store) Deliver(userID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.userPath(userID)
	if _, err := s.ensureMaildir(path); err != nil {
		return err
	}

	key := generateKey()
	tmpPath := filepath.Join(path, "tmp", key)
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		return fmt.Errorf("failed to write tmp message: %w", err)
	}

	destPath := filepath.Join(path, "new", key)
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move message into new: %w", err)
	}
	return nil
}

// FetchUnseen collects the user's unread messages, moving them into cur,
// and returns their maildir keys.
func (s *Store) FetchUnseen(userID int64) ([]string, error) {
	dir := maildir.Dir(s.userPath(userID))
	msgs, err := dir.Unseen()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(msgs))
	for i, msg := range msgs {
		keys[i] = msg.Key()
	}
	return keys, nil
}

func generateKey() string {
	b := make([]byte, 8)
	rand.Read(b)
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), hex.EncodeToString(b), host)
}
