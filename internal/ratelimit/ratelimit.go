// Package ratelimit implements windowed counters backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-mta/courierd/internal/logging"
)

// Unauthenticated senders get fixed, stricter limits.
const (
	unauthHourlyLimit = 50
	unauthDailyLimit  = 200
)

// Failure types tracked by RecordFailure.
const (
	FailureBounce = "bounce"
	FailureSpam   = "spam"
)

// Config holds the limits applied to authenticated identifiers.
type Config struct {
	Prefix             string
	MaxMessagesPerHour int
	MaxMessagesPerDay  int
	MaxConnectionRate  int // connections per IP per minute
	MaxAuthAttempts    int // auth failures per IP per 15 minutes
}

// Limiter applies per-identifier rate limits. Counter updates are atomic
// (INCR + EXPIRE pipelined); races resolve to slight over-counting, which
// is acceptable because limits are soft.
type Limiter struct {
	client *redis.Client
	config Config
	logger *logging.Logger
}

// New creates a Limiter on an existing Redis client.
func New(client *redis.Client, cfg Config, logger *logging.Logger) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "smtp"
	}
	return &Limiter{client: client, config: cfg, logger: logger.WithFields("component", "ratelimit")}
}

func (l *Limiter) key(parts ...string) string {
	key := l.config.Prefix + ":ratelimit"
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// CheckConnectionRate reports whether ip may open a new connection and
// counts the attempt. Errors fail open.
func (l *Limiter) CheckConnectionRate(ctx context.Context, ip string) bool {
	key := l.key("conn", ip)

	count, err := l.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		l.logger.WarnContext(ctx, "Rate limit check error", "error", err.Error())
		return true
	}
	if count >= l.config.MaxConnectionRate {
		l.logger.WarnContext(ctx, "Connection rate limit exceeded", "ip", ip)
		return false
	}
	l.incrementWithTTL(ctx, key, 60*time.Second)
	return true
}

// CheckMessageRate reports whether identifier may submit another message
// and counts it against the hourly and daily windows.
func (l *Limiter) CheckMessageRate(ctx context.Context, identifier string, authenticated bool) bool {
	hourlyLimit, dailyLimit := unauthHourlyLimit, unauthDailyLimit
	if authenticated {
		hourlyLimit = l.config.MaxMessagesPerHour
		dailyLimit = l.config.MaxMessagesPerDay
	}

	hourlyKey := l.key("hour", identifier)
	if l.count(ctx, hourlyKey) >= hourlyLimit {
		l.logger.WarnContext(ctx, "Hourly message limit exceeded", "identifier", identifier)
		return false
	}

	dailyKey := l.key("day", identifier)
	if l.count(ctx, dailyKey) >= dailyLimit {
		l.logger.WarnContext(ctx, "Daily message limit exceeded", "identifier", identifier)
		return false
	}

	l.incrementWithTTL(ctx, hourlyKey, time.Hour)
	l.incrementWithTTL(ctx, dailyKey, 24*time.Hour)
	return true
}

// CheckAuthAttempts reports whether ip may attempt another authentication
// and counts the attempt. The window is 15 minutes.
func (l *Limiter) CheckAuthAttempts(ctx context.Context, ip string) bool {
	key := l.key("auth", ip)
	if l.count(ctx, key) >= l.config.MaxAuthAttempts {
		l.logger.WarnContext(ctx, "Auth attempt limit exceeded", "ip", ip)
		return false
	}
	l.incrementWithTTL(ctx, key, 15*time.Minute)
	return true
}

// RecordFailure tracks bounces and spam reports over 24h and applies
// temporary blocks at the thresholds: >10 bounces block 1h, >3 spam
// reports block 24h.
func (l *Limiter) RecordFailure(ctx context.Context, identifier, failureType string) {
	key := l.config.Prefix + ":failures:" + failureType + ":" + identifier
	l.incrementWithTTL(ctx, key, 24*time.Hour)

	count := l.count(ctx, key)
	switch {
	case failureType == FailureBounce && count > 10:
		l.TemporaryBlock(ctx, identifier, time.Hour)
	case failureType == FailureSpam && count > 3:
		l.TemporaryBlock(ctx, identifier, 24*time.Hour)
	}
}

// TemporaryBlock blocks an identifier for the given duration.
func (l *Limiter) TemporaryBlock(ctx context.Context, identifier string, duration time.Duration) {
	key := l.config.Prefix + ":blocked:" + identifier
	if err := l.client.SetEx(ctx, key, "1", duration).Err(); err != nil {
		l.logger.WarnContext(ctx, "Failed to set block", "identifier", identifier, "error", err.Error())
		return
	}
	l.logger.WarnContext(ctx, "Temporarily blocked identifier",
		"identifier", identifier, "duration", duration.String())
}

// IsBlocked reports whether identifier is currently blocked.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) bool {
	n, err := l.client.Exists(ctx, l.config.Prefix+":blocked:"+identifier).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Usage describes current usage against a window.
type Usage struct {
	Limit     int
	Used      int
	Remaining int
}

// Limits returns current usage for an identifier.
func (l *Limiter) Limits(ctx context.Context, identifier string, authenticated bool) (hourly, daily Usage, blocked bool) {
	hourlyLimit, dailyLimit := unauthHourlyLimit, unauthDailyLimit
	if authenticated {
		hourlyLimit = l.config.MaxMessagesPerHour
		dailyLimit = l.config.MaxMessagesPerDay
	}

	hourlyUsed := l.count(ctx, l.key("hour", identifier))
	dailyUsed := l.count(ctx, l.key("day", identifier))

	hourly = Usage{Limit: hourlyLimit, Used: hourlyUsed, Remaining: max(0, hourlyLimit-hourlyUsed)}
	daily = Usage{Limit: dailyLimit, Used: dailyUsed, Remaining: max(0, dailyLimit-dailyUsed)}
	return hourly, daily, l.IsBlocked(ctx, identifier)
}

func (l *Limiter) count(ctx context.Context, key string) int {
	n, err := l.client.Get(ctx, key).Int()
	if err != nil {
		return 0
	}
	return n
}

// incrementWithTTL bumps a counter and refreshes its expiry in one
// round-trip.
func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) {
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WarnContext(ctx, "Failed to increment counter",
			"key", key, "error", fmt.Sprintf("%v", err))
	}
}
