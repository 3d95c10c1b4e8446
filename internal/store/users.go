package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = errors.New("user not found")
	// ErrDomainNotFound is returned when a domain doesn't exist
	ErrDomainNotFound = errors.New("domain not found")
)

const userColumns = `id, COALESCE(domain_id, 0), username, email, password_hash,
	COALESCE(cram_secret, ''), message_quota, messages_sent_today, storage_quota,
	is_active, COALESCE(last_login, ''), failed_auth_attempts, COALESCE(last_failed_auth, '')`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var lastLogin, lastFailed string
	err := row.Scan(&u.ID, &u.DomainID, &u.Username, &u.Email, &u.PasswordHash,
		&u.CRAMSecret, &u.MessageQuota, &u.MessagesSentToday, &u.StorageQuota,
		&u.IsActive, &lastLogin, &u.FailedAuthAttempts, &lastFailed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.LastLogin = parseSQLiteTime(lastLogin)
	u.LastFailedAuth = parseSQLiteTime(lastFailed)
	return &u, nil
}

// GetUser finds an active user by username or email address.
func GetUser(ctx context.Context, q DBTX, usernameOrEmail string) (*User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE (username = ? OR email = ?) AND is_active = TRUE`,
		usernameOrEmail, usernameOrEmail,
	)
	return scanUser(row)
}

// GetUserByEmail finds an active user by exact email address.
func GetUserByEmail(ctx context.Context, q DBTX, email string) (*User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? AND is_active = TRUE`,
		email,
	)
	return scanUser(row)
}

// GetUsernameByID returns the username for a user id.
func GetUsernameByID(ctx context.Context, q DBTX, id int64) (string, error) {
	var username string
	err := q.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, id).Scan(&username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return username, nil
}

// RecordAuthSuccess zeroes the failure counter and stamps last_login.
func RecordAuthSuccess(ctx context.Context, q DBTX, userID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET failed_auth_attempts = 0, last_login = CURRENT_TIMESTAMP,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to record auth success for user %d: %w", userID, err)
	}
	return nil
}

// RecordAuthFailure increments the failure counter and stamps last_failed_auth.
func RecordAuthFailure(ctx context.Context, q DBTX, userID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET failed_auth_attempts = failed_auth_attempts + 1,
		 last_failed_auth = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to record auth failure for user %d: %w", userID, err)
	}
	return nil
}

// ResetFailedAuthAttempts clears the lockout counter (after the lockout
// window has elapsed).
func ResetFailedAuthAttempts(ctx context.Context, q DBTX, userID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET failed_auth_attempts = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset auth attempts for user %d: %w", userID, err)
	}
	return nil
}

// UpdatePasswordHash rewrites a user's stored credential (bcrypt upgrade path).
func UpdatePasswordHash(ctx context.Context, q DBTX, userID int64, hash string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		hash, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update password for user %d: %w", userID, err)
	}
	return nil
}

// IncrementMessagesSentToday bumps a user's daily counter.
func IncrementMessagesSentToday(ctx context.Context, q DBTX, userID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET messages_sent_today = messages_sent_today + 1,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment sent count for user %d: %w", userID, err)
	}
	return nil
}

// ResetDailyQuotas zeroes all users' daily counters.
func ResetDailyQuotas(ctx context.Context, q DBTX) error {
	if _, err := q.ExecContext(ctx, `UPDATE users SET messages_sent_today = 0`); err != nil {
		return fmt.Errorf("failed to reset daily quotas: %w", err)
	}
	return nil
}

// CreateUser inserts a new user account.
func CreateUser(ctx context.Context, q DBTX, u *User) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO users (domain_id, username, email, password_hash, cram_secret,
		 message_quota, storage_quota, is_active)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		nullableID(u.DomainID), u.Username, u.Email, u.PasswordHash, u.CRAMSecret,
		u.MessageQuota, u.StorageQuota, u.IsActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", u.Username, err)
	}
	return res.LastInsertId()
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// parseSQLiteTime parses the formats sqlite hands back for DATETIME columns.
func parseSQLiteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
