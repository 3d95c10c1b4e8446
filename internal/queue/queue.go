// Package queue implements the durable delivery queue on Redis.
//
// Three sets track message lifecycle: ready (sorted by priority, lower is
// sooner), in-flight (messages currently held by a delivery worker), and
// retry (sorted by earliest retry unix timestamp). A message id is in at
// most one set at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-mta/courierd/internal/logging"
)

// Common errors
var (
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultPriority is assigned to freshly accepted messages; RetryPriority
// is the lowered precedence for promoted retries.
const (
	DefaultPriority = 5
	RetryPriority   = 10
)

// backoffSchedule is indexed by attempt number (1-based). Attempts past the
// end reuse the last entry.
var backoffSchedule = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the backoff delay for the given attempt number.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// Queue is the Redis-backed message queue.
type Queue struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

// New creates a Queue on an existing Redis client.
func New(client *redis.Client, prefix string, logger *logging.Logger) *Queue {
	if prefix == "" {
		prefix = "smtp"
	}
	return &Queue{client: client, prefix: prefix, logger: logger.Queue()}
}

func (q *Queue) readyKey() string    { return q.prefix + ":queue:messages" }
func (q *Queue) inFlightKey() string { return q.prefix + ":queue:processing" }
func (q *Queue) retryKey() string    { return q.prefix + ":queue:retry" }

// Enqueue inserts a message id into the ready set.
func (q *Queue) Enqueue(ctx context.Context, messageID int64, priority int) error {
	err := q.client.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  float64(priority),
		Member: memberFor(messageID),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue message %d: %w", messageID, err)
	}
	q.logger.InfoContext(ctx, "Message enqueued", "id", messageID, "priority", priority)
	return nil
}

// Dequeue pops up to n lowest-priority ids from ready and moves each into
// in-flight. The pop is exclusive: an id is handed to at most one caller.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]int64, error) {
	if n < 1 {
		return nil, nil
	}

	popped, err := q.client.ZPopMin(ctx, q.readyKey(), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from ready queue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	ids := make([]int64, 0, len(popped))
	for _, z := range popped {
		member := z.Member.(string)
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		pipe.SAdd(ctx, q.inFlightKey(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Put the popped ids back so they aren't lost.
		rollback := q.client.TxPipeline()
		for _, z := range popped {
			rollback.ZAdd(ctx, q.readyKey(), z)
		}
		rollback.Exec(ctx)
		return nil, fmt.Errorf("failed to mark messages in-flight: %w", err)
	}

	return ids, nil
}

// RequeueFailed moves an in-flight id into the retry set, scheduled
// delay from now.
func (q *Queue) RequeueFailed(ctx context.Context, messageID int64, delay time.Duration) error {
	retryAt := time.Now().Add(delay).Unix()

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.inFlightKey(), memberFor(messageID))
	pipe.ZAdd(ctx, q.retryKey(), redis.Z{
		Score:  float64(retryAt),
		Member: memberFor(messageID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue message %d: %w", messageID, err)
	}

	q.logger.InfoContext(ctx, "Message scheduled for retry",
		"id", messageID, "retry_at", time.Unix(retryAt, 0).Format(time.RFC3339))
	return nil
}

// MarkCompleted removes an id from in-flight.
func (q *Queue) MarkCompleted(ctx context.Context, messageID int64) error {
	if err := q.client.SRem(ctx, q.inFlightKey(), memberFor(messageID)).Err(); err != nil {
		return fmt.Errorf("failed to complete message %d: %w", messageID, err)
	}
	return nil
}

// Remove drops an id from every set. Used when a message reaches a terminal
// state.
func (q *Queue) Remove(ctx context.Context, messageID int64) error {
	member := memberFor(messageID)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey(), member)
	pipe.SRem(ctx, q.inFlightKey(), member)
	pipe.ZRem(ctx, q.retryKey(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove message %d from queue: %w", messageID, err)
	}
	return nil
}

// PromoteRetry moves every retry entry whose scheduled time has passed back
// into ready at lowered precedence. Returns the number promoted.
func (q *Queue) PromoteRetry(ctx context.Context) (int, error) {
	now := time.Now().Unix()

	ready, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan retry queue: %w", err)
	}

	for _, member := range ready {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.retryKey(), member)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{
			Score:  float64(RetryPriority),
			Member: member,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to promote message %s: %w", member, err)
		}
	}

	return len(ready), nil
}

// UpdatedAtFunc reports when a message was last touched, for stale
// detection. It returns store.ErrMessageNotFound-like errors for vanished
// rows; those ids are dropped from in-flight.
type UpdatedAtFunc func(ctx context.Context, messageID int64) (time.Time, error)

// ReapStale requeues any in-flight id whose message has not been touched
// within timeout. Returns the number requeued.
func (q *Queue) ReapStale(ctx context.Context, timeout time.Duration, updatedAt UpdatedAtFunc) (int, error) {
	members, err := q.client.SMembers(ctx, q.inFlightKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight messages: %w", err)
	}

	reaped := 0
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			q.client.SRem(ctx, q.inFlightKey(), member)
			continue
		}

		touched, err := updatedAt(ctx, id)
		if err != nil {
			// Row is gone; nothing to deliver.
			q.client.SRem(ctx, q.inFlightKey(), member)
			continue
		}

		if time.Since(touched) > timeout {
			if err := q.RequeueFailed(ctx, id, 0); err != nil {
				q.logger.ErrorContext(ctx, "Failed to reap stale message", err, "id", id)
				continue
			}
			reaped++
		}
	}

	return reaped, nil
}

// Stats holds the size of each queue set.
type Stats struct {
	Ready    int64
	InFlight int64
	Retry    int64
}

// Total returns the number of messages across all sets.
func (s Stats) Total() int64 { return s.Ready + s.InFlight + s.Retry }

// Stats returns the current size of each set.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.TxPipeline()
	readyCmd := pipe.ZCard(ctx, q.readyKey())
	inFlightCmd := pipe.SCard(ctx, q.inFlightKey())
	retryCmd := pipe.ZCard(ctx, q.retryKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Ready:    readyCmd.Val(),
		InFlight: inFlightCmd.Val(),
		Retry:    retryCmd.Val(),
	}, nil
}

func memberFor(messageID int64) string {
	return strconv.FormatInt(messageID, 10)
}
