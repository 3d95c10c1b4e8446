package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMessageNotFound is returned when a message row doesn't exist
var ErrMessageNotFound = errors.New("message not found")

// InsertMessage persists an accepted message with status queued and returns
// its row id.
func InsertMessage(ctx context.Context, q DBTX, m *Message) (int64, error) {
	rcpts, err := json.Marshal(m.RcptTo)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal recipients: %w", err)
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal headers: %w", err)
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO messages (message_id, mail_from, rcpt_to, subject, headers,
		 body_text, body_html, raw_message, size, status, spf_result, dkim_result,
		 dmarc_result, remote_ip, sender_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.MailFrom, string(rcpts), m.Subject, string(headers),
		m.BodyText, m.BodyHTML, m.RawMessage, m.Size, StatusQueued,
		m.SPFResult, m.DKIMResult, m.DMARCResult, m.RemoteIP, nullableID(m.SenderID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
	}
	return res.LastInsertId()
}

// GetMessage loads a message by row id.
func GetMessage(ctx context.Context, q DBTX, id int64) (*Message, error) {
	var m Message
	var rcpts, headers string
	var lastAttempt, nextRetry, deliveredAt, updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, message_id, mail_from, rcpt_to, COALESCE(subject, ''),
		        COALESCE(headers, '{}'), COALESCE(body_text, ''), COALESCE(body_html, ''),
		        raw_message, size, status, attempts,
		        COALESCE(last_attempt, ''), COALESCE(next_retry, ''),
		        COALESCE(spf_result, ''), COALESCE(dkim_result, ''), COALESCE(dmarc_result, ''),
		        COALESCE(delivered_at, ''), COALESCE(remote_ip, ''), COALESCE(sender_id, 0),
		        COALESCE(updated_at, '')
		 FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.MessageID, &m.MailFrom, &rcpts, &m.Subject,
		&headers, &m.BodyText, &m.BodyHTML,
		&m.RawMessage, &m.Size, &m.Status, &m.Attempts,
		&lastAttempt, &nextRetry,
		&m.SPFResult, &m.DKIMResult, &m.DMARCResult,
		&deliveredAt, &m.RemoteIP, &m.SenderID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message %d: %w", id, err)
	}

	if err := json.Unmarshal([]byte(rcpts), &m.RcptTo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients for message %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers for message %d: %w", id, err)
	}
	m.LastAttempt = parseSQLiteTime(lastAttempt)
	m.NextRetry = parseSQLiteTime(nextRetry)
	m.DeliveredAt = parseSQLiteTime(deliveredAt)
	m.UpdatedAt = parseSQLiteTime(updatedAt)
	return &m, nil
}

// SetMessageStatus transitions a message's status. sent and failed are
// terminal; transitions away from them are refused.
func SetMessageStatus(ctx context.Context, q DBTX, id int64, status string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN (?, ?)`,
		status, id, StatusSent, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to set status for message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MarkMessageSent marks terminal success.
func MarkMessageSent(ctx context.Context, q DBTX, id int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE messages SET status = ?, delivered_at = CURRENT_TIMESTAMP,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status != ?`,
		StatusSent, id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message %d sent: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps the attempt counter and stamps last_attempt.
// attempts is monotonically non-decreasing.
func IncrementAttempts(ctx context.Context, q DBTX, id int64) (int, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE messages SET attempts = attempts + 1, last_attempt = CURRENT_TIMESTAMP,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for message %d: %w", id, err)
	}
	var attempts int
	if err := q.QueryRowContext(ctx, `SELECT attempts FROM messages WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts for message %d: %w", id, err)
	}
	return attempts, nil
}

// SetNextRetry records the scheduled retry time.
func SetNextRetry(ctx context.Context, q DBTX, id int64, unixTS int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE messages SET next_retry = datetime(?, 'unixepoch'),
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		unixTS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set next retry for message %d: %w", id, err)
	}
	return nil
}

// MessageUpdatedAt returns the updated_at stamp for stale-processing checks.
func MessageUpdatedAt(ctx context.Context, q DBTX, id int64) (int64, error) {
	var ts sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT strftime('%s', updated_at) FROM messages WHERE id = ?`, id,
	).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("failed to read updated_at for message %d: %w", id, err)
	}
	return ts.Int64, nil
}

// PurgeOldMessages deletes terminal messages older than the retention window.
func PurgeOldMessages(ctx context.Context, q DBTX, retentionDays int) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM messages WHERE status IN (?, ?, ?)
		 AND created_at < datetime('now', ?)`,
		StatusSent, StatusFailed, StatusBounced,
		fmt.Sprintf("-%d days", retentionDays),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old messages: %w", err)
	}
	return res.RowsAffected()
}
