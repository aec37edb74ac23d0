// Package queue implements Q: a durable, Redis-backed work queue using the
// standard reliable-queue pattern (BRPOPLPUSH into a processing list) plus
// two sorted sets for delayed retry and stuck-job reaping.
//
// For a given queue name "foo" under prefix "p", four Redis keys are in
// play:
//
//	p:queue:foo       - LIST, the main queue. Producers LPUSH here.
//	p:processing:foo  - LIST, in-flight jobs. Consumers BRPOPLPUSH here.
//	p:delayed:foo     - ZSET, score = unix-seconds readyAt. Retries with
//	                    backoff land here instead of going straight back
//	                    onto the main queue.
//	p:deadlines:foo   - ZSET, score = unix-seconds deadline. Every job in
//	                    the processing list has an entry here; the reaper
//	                    scans for expired ones and requeues them with
//	                    their attempt count bumped.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coglabs/ctengine/pkg/apperrors"
)

// DefaultDeadline is how long a job may sit in a processing list before the
// reaper considers its worker dead and reclaims it.
const DefaultDeadline = 15 * time.Minute

// Queue is a Redis-backed durable work queue scoped to one queue name.
type Queue struct {
	client   *redis.Client
	prefix   string
	name     string
	deadline time.Duration
}

// New returns a Queue for the given name. name must be in the fixed
// allow-list (queue/names.go); callers are expected to have checked this
// via kv.CheckQueueAllowed before constructing a Queue, but New re-checks
// to avoid silently creating ad-hoc queues from a typo.
func New(client *redis.Client, prefix, name string, deadline time.Duration) (*Queue, error) {
	if !isKnownQueue(name) {
		return nil, apperrors.ErrQueueNotAllowed
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Queue{client: client, prefix: prefix, name: name, deadline: deadline}, nil
}

func isKnownQueue(name string) bool {
	for _, n := range All {
		if n == name {
			return true
		}
	}
	return false
}

func (q *Queue) queueKey() string     { return fmt.Sprintf("%s:queue:%s", q.prefix, q.name) }
func (q *Queue) processingKey() string { return fmt.Sprintf("%s:processing:%s", q.prefix, q.name) }
func (q *Queue) delayedKey() string   { return fmt.Sprintf("%s:delayed:%s", q.prefix, q.name) }
func (q *Queue) deadlinesKey() string { return fmt.Sprintf("%s:deadlines:%s", q.prefix, q.name) }
func (q *Queue) dlqKey() string       { return fmt.Sprintf("%s:queue:%s:%s", q.prefix, DeadLetter, q.name) }

// Enqueue pushes a task onto the main queue.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	raw, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey(), raw).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Consume blocks up to timeout waiting for a task, atomically moving it from
// the main queue to the processing list and recording its deadline. Returns
// the task plus the exact raw JSON string it arrived as — callers MUST pass
// that raw string back to Ack/Nack unchanged, since removal from the
// processing list is a value-match LREM, not an index operation.
func (q *Queue) Consume(ctx context.Context, timeout time.Duration) (*Task, string, error) {
	raw, err := q.client.BRPopLPush(ctx, q.queueKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("brpoplpush: %w", err)
	}

	task, err := Decode(raw)
	if err != nil {
		// Malformed payload: remove it from processing immediately so it
		// doesn't sit there until the reaper trips on it, and surface the
		// error to the caller to record as an incident.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		return nil, "", fmt.Errorf("decode task: %w", err)
	}

	deadline := float64(time.Now().Add(q.deadline).Unix())
	if err := q.client.ZAdd(ctx, q.deadlinesKey(), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		return nil, "", fmt.Errorf("zadd deadline: %w", err)
	}

	return task, raw, nil
}

// Ack removes a successfully processed task from the processing list and its
// deadline entry. raw must be the exact string returned by Consume.
func (q *Queue) Ack(ctx context.Context, raw string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.ZRem(ctx, q.deadlinesKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack removes a failed task from the processing list, increments its
// attempt count, and schedules the re-encoded task for retry after delay on
// the delayed sorted set. raw must be the exact string returned by Consume —
// removal matches on the original value, while the delayed set receives the
// bumped encoding so the attempt ceiling actually advances.
func (q *Queue) Nack(ctx context.Context, raw string, delay time.Duration) error {
	readyAt := float64(time.Now().Add(delay).Unix())

	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.ZRem(ctx, q.deadlinesKey(), raw)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: withIncrementedAttempts(raw)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

// withIncrementedAttempts re-encodes raw with Attempts+1. raw already
// survived Decode in Consume, so a decode failure here is a can't-happen
// guard that falls back to re-queueing the original encoding.
func withIncrementedAttempts(raw string) string {
	task, err := Decode(raw)
	if err != nil {
		return raw
	}
	task.Attempts++
	encoded, err := task.Encode()
	if err != nil {
		return raw
	}
	return encoded
}

// Dead removes a permanently-failed task from the processing list and moves
// it to the dead-letter list for later inspection. raw must be the exact
// string returned by Consume; this is the terminal step of
// permanent-failure routing.
func (q *Queue) Dead(ctx context.Context, raw string) error {
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.processingKey(), 1, raw)
	pipe.ZRem(ctx, q.deadlinesKey(), raw)
	pipe.LPush(ctx, q.dlqKey(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead: %w", err)
	}
	return nil
}

// DLQEntries returns every task currently on the dead-letter list.
func (q *Queue) DLQEntries(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(), 0, -1).Result()
}

// PromoteDelayed moves every delayed task whose readyAt has passed back onto
// the main queue. Called periodically by a background ticker to drive the
// exponential-backoff retry loop.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ready, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore delayed: %w", err)
	}

	promoted := 0
	for _, raw := range ready {
		pipe := q.client.Pipeline()
		pipe.ZRem(ctx, q.delayedKey(), raw)
		pipe.LPush(ctx, q.queueKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("promote %q: %w", raw, err)
		}
		promoted++
	}
	return promoted, nil
}

// ReapExpired scans the deadline ZSET for jobs whose deadline has passed,
// meaning the worker holding them died or hung, and moves each one back
// onto the main queue for another consumer to pick up, with its attempt
// count bumped so a job that keeps killing its worker still reaches the
// DLQ ceiling. Called periodically alongside PromoteDelayed.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := q.client.ZRangeByScore(ctx, q.deadlinesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore deadlines: %w", err)
	}

	reaped := 0
	for _, raw := range expired {
		pipe := q.client.Pipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.ZRem(ctx, q.deadlinesKey(), raw)
		pipe.LPush(ctx, q.queueKey(), withIncrementedAttempts(raw))
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("reap %q: %w", raw, err)
		}
		reaped++
	}
	return reaped, nil
}

// Depth returns how many tasks are currently queued (not counting
// in-flight or delayed tasks). The Orchestrator polls this across every
// queue to detect idleness.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey()).Result()
}

// InFlight returns how many tasks are currently checked out by a consumer.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey()).Result()
}

// Pending returns how many tasks are waiting in the delayed-retry set.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey()).Result()
}
