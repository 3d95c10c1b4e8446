package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// InsertDeliveryAttempt appends one delivery attempt record.
func InsertDeliveryAttempt(ctx context.Context, q DBTX, a *DeliveryAttempt) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO delivery_attempts (message_id, attempt_number, mx_hostname,
		 remote_ip, status_code, response, error_message, success,
		 connection_time, delivery_time, tls_version, cipher_suite)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.AttemptNumber, a.MXHostname,
		a.RemoteIP, a.StatusCode, a.Response, a.ErrorMessage, a.Success,
		a.ConnectionTime, a.DeliveryTime, a.TLSVersion, a.CipherSuite,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt for message %d: %w", a.MessageID, err)
	}
	return nil
}

// ListDeliveryAttempts returns a message's attempts in append order.
func ListDeliveryAttempts(ctx context.Context, q DBTX, messageID int64) ([]DeliveryAttempt, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, message_id, attempt_number, COALESCE(mx_hostname, ''),
		        COALESCE(remote_ip, ''), COALESCE(status_code, 0), COALESCE(response, ''),
		        COALESCE(error_message, ''), success, COALESCE(connection_time, 0),
		        COALESCE(delivery_time, 0), COALESCE(tls_version, ''), COALESCE(cipher_suite, '')
		 FROM delivery_attempts WHERE message_id = ? ORDER BY id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts for message %d: %w", messageID, err)
	}
	defer rows.Close()

	var attempts []DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.AttemptNumber, &a.MXHostname,
			&a.RemoteIP, &a.StatusCode, &a.Response,
			&a.ErrorMessage, &a.Success, &a.ConnectionTime,
			&a.DeliveryTime, &a.TLSVersion, &a.CipherSuite); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// InsertConnection records a finished SMTP session.
func InsertConnection(ctx context.Context, q DBTX, c *Connection) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO connections (remote_ip, remote_port, helo_hostname, protocol,
		 tls_enabled, authenticated, authenticated_user, messages_sent,
		 bytes_received, commands_received, connected_at, disconnected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		c.RemoteIP, c.RemotePort, c.HELOHostname, c.Protocol,
		c.TLSEnabled, c.Authenticated, c.AuthenticatedUser, c.MessagesSent,
		c.BytesReceived, c.CommandsReceived, c.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record connection from %s: %w", c.RemoteIP, err)
	}
	return nil
}

// InsertAuthLog appends one authentication attempt record.
func InsertAuthLog(ctx context.Context, q DBTX, l *AuthenticationLog) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO authentication_logs (username, auth_method, success,
		 failure_reason, remote_ip, user_id)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		l.Username, l.AuthMethod, l.Success, l.FailureReason, l.RemoteIP, nullableID(l.UserID),
	)
	if err != nil {
		return fmt.Errorf("failed to record auth attempt for %s: %w", l.Username, err)
	}
	return nil
}

// LookupBlacklist returns the unexpired blacklist entry for value, if any.
func LookupBlacklist(ctx context.Context, q DBTX, value string) (*BlacklistEntry, error) {
	var e BlacklistEntry
	var expires string
	err := q.QueryRowContext(ctx,
		`SELECT id, entry_type, value, COALESCE(reason, ''), COALESCE(expires_at, '')
		 FROM blacklist
		 WHERE value = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)`,
		value,
	).Scan(&e.ID, &e.EntryType, &e.Value, &e.Reason, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query blacklist for %s: %w", value, err)
	}
	e.ExpiresAt = parseSQLiteTime(expires)
	return &e, nil
}

// AddBlacklistEntry inserts or replaces a blacklist entry.
func AddBlacklistEntry(ctx context.Context, q DBTX, e *BlacklistEntry) error {
	var expires any
	if !e.ExpiresAt.IsZero() {
		// Same text layout as CURRENT_TIMESTAMP, so the expiry comparison
		// in LookupBlacklist orders correctly.
		expires = e.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
	}
	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO blacklist (entry_type, value, reason, expires_at, added_by)
		 VALUES (?, ?, ?, ?, ?)`,
		e.EntryType, e.Value, e.Reason, expires, e.AddedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to add blacklist entry %s: %w", e.Value, err)
	}
	return nil
}

// InsertSpamScore records the rule engine result for a message.
func InsertSpamScore(ctx context.Context, q DBTX, s *SpamScore) error {
	scores, err := json.Marshal(s.Scores)
	if err != nil {
		return fmt.Errorf("failed to marshal spam scores: %w", err)
	}
	rules, err := json.Marshal(s.RulesTriggered)
	if err != nil {
		return fmt.Errorf("failed to marshal triggered rules: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO spam_scores (message_id, total_score, spam_threshold,
		 is_spam, scores, rules_triggered)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.MessageID, s.TotalScore, s.SpamThreshold, s.IsSpam, string(scores), string(rules),
	)
	if err != nil {
		return fmt.Errorf("failed to record spam score for %s: %w", s.MessageID, err)
	}
	return nil
}
