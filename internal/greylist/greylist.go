// Package greylist defers first-contact sender triples to shake off
// fire-and-forget spammers.
package greylist

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
	"time"
)

// Greylister tracks (sender IP, sender, recipient) triples.
type Greylister struct {
	db       *sql.DB
	minDelay time.Duration // time before a deferred triple is accepted
	maxAge   time.Duration // retention for stale entries
	enabled  bool
}

// Config holds greylisting configuration
type Config struct {
	Enabled  bool
	MinDelay time.Duration
	MaxAge   time.Duration
}

// DefaultConfig returns the default greylisting configuration
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		MinDelay: 5 * time.Minute,
		MaxAge:   35 * 24 * time.Hour,
	}
}

// New creates a Greylister. The greylist table is created by the store
// schema.
func New(db *sql.DB, cfg Config) *Greylister {
	minDelay := cfg.MinDelay
	if minDelay == 0 {
		minDelay = 5 * time.Minute
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 35 * 24 * time.Hour
	}
	return &Greylister{
		db:       db,
		minDelay: minDelay,
		maxAge:   maxAge,
		enabled:  cfg.Enabled,
	}
}

// Check reports whether the triple should be accepted.
// firstTime is true when this is the first sighting of the triple.
func (g *Greylister) Check(ctx context.Context, senderIP, sender, recipient string) (allow bool, firstTime bool, err error) {
	if g == nil || !g.enabled {
		return true, false, nil
	}

	senderIP = normalizeIP(senderIP)
	sender = strings.ToLower(sender)
	recipient = strings.ToLower(recipient)

	var firstSeenStr string
	var passCount int
	var whitelisted bool
	err = g.db.QueryRowContext(ctx,
		`SELECT first_seen, pass_count, is_whitelisted FROM greylist
		 WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
		senderIP, sender, recipient,
	).Scan(&firstSeenStr, &passCount, &whitelisted)

	if errors.Is(err, sql.ErrNoRows) {
		// First sighting: record and defer.
		result, err := g.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO greylist (sender_ip, sender_email, recipient_email)
			 VALUES (?, ?, ?)`,
			senderIP, sender, recipient,
		)
		if err != nil {
			return false, true, err
		}
		rows, _ := result.RowsAffected()
		return false, rows > 0, nil
	}
	if err != nil {
		return false, false, err
	}

	if whitelisted || passCount > 0 {
		_, _ = g.db.ExecContext(ctx,
			`UPDATE greylist SET last_seen = CURRENT_TIMESTAMP, pass_count = pass_count + 1
			 WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
			senderIP, sender, recipient,
		)
		return true, false, nil
	}

	// go-sqlite3 hands DATETIME columns back as time.Time, which scans into
	// a string as RFC 3339; plain SQLite text is accepted as well.
	firstSeen, perr := time.Parse(time.RFC3339Nano, firstSeenStr)
	if perr != nil {
		firstSeen, _ = time.Parse("2006-01-02 15:04:05", firstSeenStr)
	}
	if !firstSeen.IsZero() && time.Since(firstSeen) >= g.minDelay {
		_, err = g.db.ExecContext(ctx,
			`UPDATE greylist SET pass_count = 1, last_seen = CURRENT_TIMESTAMP
			 WHERE sender_ip = ? AND sender_email = ? AND recipient_email = ?`,
			senderIP, sender, recipient,
		)
		if err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	return false, false, nil
}

// Whitelist marks a triple as permanently allowed.
func (g *Greylister) Whitelist(ctx context.Context, senderIP, sender, recipient string) error {
	if g == nil {
		return nil
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO greylist (sender_ip, sender_email, recipient_email, is_whitelisted, pass_count)
		 VALUES (?, ?, ?, TRUE, 1)
		 ON CONFLICT(sender_ip, sender_email, recipient_email)
		 DO UPDATE SET is_whitelisted = TRUE`,
		normalizeIP(senderIP), strings.ToLower(sender), strings.ToLower(recipient),
	)
	return err
}

// Cleanup removes stale entries.
func (g *Greylister) Cleanup(ctx context.Context) error {
	if g == nil || !g.enabled {
		return nil
	}
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM greylist WHERE is_whitelisted = FALSE AND
		 ((pass_count = 0 AND first_seen < ?) OR
		  (pass_count > 0 AND COALESCE(last_seen, first_seen) < ?))`,
		time.Now().Add(-g.maxAge), time.Now().Add(-g.maxAge),
	)
	return err
}

// IsEnabled reports whether greylisting is active.
func (g *Greylister) IsEnabled() bool {
	return g != nil && g.enabled
}

// StartCleanupRoutine runs Cleanup hourly until ctx is done.
func (g *Greylister) StartCleanupRoutine(ctx context.Context) {
	if g == nil || !g.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = g.Cleanup(ctx)
			}
		}
	}()
}

// normalizeIP widens an address to its network so dynamic pools don't
// defeat the delay: /24 for IPv4, /48 for IPv6.
func normalizeIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}
