// Package store provides the relational persistence layer.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// DBTX is satisfied by both *sql.DB and *sql.Tx so repository queries can
// run standalone or staged inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates a SQLite database at the given path
func Open(path string) (*DB, error) {
	// Enable foreign keys and WAL mode for better concurrency
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS domains (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	dkim_selector TEXT NOT NULL DEFAULT 'default',
	dkim_private_key TEXT,
	dkim_public_key TEXT,
	dmarc_policy TEXT NOT NULL DEFAULT 'none',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	domain_id INTEGER REFERENCES domains(id),
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	cram_secret TEXT,
	message_quota INTEGER NOT NULL DEFAULT 1000,
	messages_sent_today INTEGER NOT NULL DEFAULT 0,
	storage_quota INTEGER NOT NULL DEFAULT 1073741824,
	storage_used INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_login DATETIME,
	failed_auth_attempts INTEGER NOT NULL DEFAULT 0,
	last_failed_auth DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	mail_from TEXT NOT NULL,
	rcpt_to TEXT NOT NULL,
	subject TEXT,
	headers TEXT,
	body_text TEXT,
	body_html TEXT,
	raw_message BLOB NOT NULL,
	size INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt DATETIME,
	next_retry DATETIME,
	spf_result TEXT,
	dkim_result TEXT,
	dmarc_result TEXT,
	delivered_at DATETIME,
	remote_ip TEXT,
	sender_id INTEGER REFERENCES users(id),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_status_retry ON messages(status, next_retry);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES messages(id),
	attempt_number INTEGER NOT NULL,
	mx_hostname TEXT,
	remote_ip TEXT,
	status_code INTEGER,
	response TEXT,
	error_message TEXT,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	connection_time REAL,
	delivery_time REAL,
	tls_version TEXT,
	cipher_suite TEXT,
	attempted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempts_message ON delivery_attempts(message_id);

CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_ip TEXT NOT NULL,
	remote_port INTEGER,
	helo_hostname TEXT,
	protocol TEXT,
	tls_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	authenticated BOOLEAN NOT NULL DEFAULT FALSE,
	authenticated_user TEXT,
	messages_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	commands_received INTEGER NOT NULL DEFAULT 0,
	connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	disconnected_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_connections_ip_time ON connections(remote_ip, connected_at);

CREATE TABLE IF NOT EXISTS authentication_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	auth_method TEXT,
	success BOOLEAN NOT NULL,
	failure_reason TEXT,
	remote_ip TEXT NOT NULL,
	user_id INTEGER REFERENCES users(id),
	attempted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_auth_logs_ip_time ON authentication_logs(remote_ip, attempted_at);
CREATE INDEX IF NOT EXISTS idx_auth_logs_username ON authentication_logs(username);

CREATE TABLE IF NOT EXISTS greylist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_ip TEXT NOT NULL,
	sender_email TEXT NOT NULL,
	recipient_email TEXT NOT NULL,
	first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen DATETIME,
	pass_count INTEGER NOT NULL DEFAULT 0,
	is_whitelisted BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE(sender_ip, sender_email, recipient_email)
);
CREATE INDEX IF NOT EXISTS idx_greylist_first_seen ON greylist(first_seen);

CREATE TABLE IF NOT EXISTS blacklist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_type TEXT NOT NULL,
	value TEXT NOT NULL UNIQUE,
	reason TEXT,
	expires_at DATETIME,
	added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	added_by TEXT
);

CREATE TABLE IF NOT EXISTS spam_scores (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE REFERENCES messages(message_id),
	total_score REAL NOT NULL DEFAULT 0,
	spam_threshold REAL NOT NULL DEFAULT 5.0,
	is_spam BOOLEAN NOT NULL DEFAULT FALSE,
	scores TEXT,
	rules_triggered TEXT,
	checked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
