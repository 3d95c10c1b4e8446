// Package auth verifies SMTP credentials against the user store.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/store"
)

var (
	// ErrInvalidCredentials is returned when authentication fails
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the lockout window is active
	ErrAccountLocked = errors.New("account locked")
)

const (
	lockoutThreshold = 5
	lockoutWindow    = 30 * time.Minute
)

// Handler verifies credentials and maintains lockout accounting. All row
// updates and the authentication log for one attempt are committed in a
// single transaction.
type Handler struct {
	db     *store.DB
	logger *logging.Logger
}

// NewHandler creates a new auth Handler.
func NewHandler(db *store.DB, logger *logging.Logger) *Handler {
	return &Handler{db: db, logger: logger.Auth()}
}

// Authenticate validates a username/password pair. On success the failure
// counter is zeroed and last_login stamped; on failure the counter is
// incremented. Both paths append an AuthenticationLog row.
func (h *Handler) Authenticate(ctx context.Context, username, password, remoteIP, method string) (*store.User, error) {
	var authed *store.User
	// authErr carries a rejection out of the transaction so the failure
	// accounting and log row still commit.
	var authErr error

	err := h.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := store.GetUser(ctx, tx, username)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				h.logAttempt(ctx, tx, username, method, remoteIP, 0, "User not found")
				authErr = ErrInvalidCredentials
				return nil
			}
			return fmt.Errorf("authentication lookup failed: %w", err)
		}

		if locked, err := h.checkLockout(ctx, tx, user); err != nil {
			return err
		} else if locked {
			h.logAttempt(ctx, tx, username, method, remoteIP, user.ID, "Account locked")
			authErr = ErrAccountLocked
			return nil
		}

		if !VerifyPassword(password, user.PasswordHash) {
			if err := store.RecordAuthFailure(ctx, tx, user.ID); err != nil {
				return err
			}
			h.logAttempt(ctx, tx, username, method, remoteIP, user.ID, "Invalid password")
			authErr = ErrInvalidCredentials
			return nil
		}

		if err := store.RecordAuthSuccess(ctx, tx, user.ID); err != nil {
			return err
		}
		// One-way upgrade off the legacy SHA-256 path.
		if NeedsUpgrade(user.PasswordHash) {
			if hash, err := HashPassword(password); err == nil {
				if err := store.UpdatePasswordHash(ctx, tx, user.ID, hash); err != nil {
					return err
				}
			}
		}
		h.logAttempt(ctx, tx, username, method, remoteIP, user.ID, "")

		user.FailedAuthAttempts = 0
		authed = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}

	h.logger.InfoContext(ctx, "Authentication succeeded", "username", username, "method", method)
	return authed, nil
}

// VerifyCRAMMD5 validates a CRAM-MD5 exchange: the client digest must equal
// HMAC-MD5(secret, challenge) in lowercase hex. Users without a stored
// secret fail closed.
func (h *Handler) VerifyCRAMMD5(ctx context.Context, username, challenge, clientDigest, remoteIP string) (*store.User, error) {
	var authed *store.User
	var authErr error

	err := h.db.WithTx(ctx, func(tx *sql.Tx) error {
		user, err := store.GetUser(ctx, tx, username)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				h.logAttempt(ctx, tx, username, "CRAM-MD5", remoteIP, 0, "User not found")
				authErr = ErrInvalidCredentials
				return nil
			}
			return fmt.Errorf("authentication lookup failed: %w", err)
		}

		if locked, err := h.checkLockout(ctx, tx, user); err != nil {
			return err
		} else if locked {
			h.logAttempt(ctx, tx, username, "CRAM-MD5", remoteIP, user.ID, "Account locked")
			authErr = ErrAccountLocked
			return nil
		}

		if user.CRAMSecret == "" || !verifyCRAMDigest(user.CRAMSecret, challenge, clientDigest) {
			if err := store.RecordAuthFailure(ctx, tx, user.ID); err != nil {
				return err
			}
			h.logAttempt(ctx, tx, username, "CRAM-MD5", remoteIP, user.ID, "Invalid response")
			authErr = ErrInvalidCredentials
			return nil
		}

		if err := store.RecordAuthSuccess(ctx, tx, user.ID); err != nil {
			return err
		}
		h.logAttempt(ctx, tx, username, "CRAM-MD5", remoteIP, user.ID, "")

		user.FailedAuthAttempts = 0
		authed = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}
	return authed, nil
}

// checkLockout reports whether the account is inside the lockout window.
// After the window elapses the counter resets and evaluation continues.
func (h *Handler) checkLockout(ctx context.Context, tx *sql.Tx, user *store.User) (bool, error) {
	if user.FailedAuthAttempts < lockoutThreshold {
		return false, nil
	}
	if !user.LastFailedAuth.IsZero() && time.Now().Before(user.LastFailedAuth.Add(lockoutWindow)) {
		return true, nil
	}
	if err := store.ResetFailedAuthAttempts(ctx, tx, user.ID); err != nil {
		return false, err
	}
	user.FailedAuthAttempts = 0
	return false, nil
}

func (h *Handler) logAttempt(ctx context.Context, tx *sql.Tx, username, method, remoteIP string, userID int64, reason string) {
	err := store.InsertAuthLog(ctx, tx, &store.AuthenticationLog{
		Username:      username,
		AuthMethod:    method,
		Success:       reason == "",
		FailureReason: reason,
		RemoteIP:      remoteIP,
		UserID:        userID,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to record auth attempt", err, "username", username)
	}
	if reason != "" {
		h.logger.WarnContext(ctx, "Authentication failed",
			"username", username, "method", method, "remote_ip", remoteIP, "reason", reason)
	}
}

// ValidateLocalRecipient reports whether email resolves to an active local
// user.
func (h *Handler) ValidateLocalRecipient(ctx context.Context, email string) (*store.User, error) {
	user, err := store.GetUserByEmail(ctx, h.db, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// CheckDailyQuota reports whether the user has submissions remaining today.
func (h *Handler) CheckDailyQuota(ctx context.Context, user *store.User) bool {
	return user.MessageQuota <= 0 || user.MessagesSentToday < user.MessageQuota
}

func verifyCRAMDigest(secret, challenge, clientDigest string) bool {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(clientDigest))
}
