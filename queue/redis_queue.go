package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript moves due members from ready to processing with a visibility deadline
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, member in ipairs(items) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('ZADD', KEYS[2], ARGV[3], member)
end
return items
`)

// requeueScript returns processing members whose deadline passed to ready
var requeueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(items) do
	redis.call('ZREM', KEYS[2], member)
	redis.call('ZADD', KEYS[1], ARGV[1], member)
end
return #items
`)

// RedisQueue keeps tasks in two sorted sets scored by unix milliseconds:
// <prefix>:ready by due time and <prefix>:processing by visibility deadline
type RedisQueue struct {
	rc         *redis.Client
	readyKey   string
	procKey    string
	visibility time.Duration
	now        func() time.Time
}

// NewRedisQueue creates a Redis backed queue
func NewRedisQueue(rc *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "dispatcher:tasks"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		rc:         rc,
		readyKey:   prefix + ":ready",
		procKey:    prefix + ":processing",
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	if err := task.validate(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	bs, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return q.rc.ZAdd(ctx, q.readyKey, redis.Z{
		Score:  score(q.now().Add(delay)),
		Member: string(bs),
	}).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, max int) ([]Task, error) {
	if max <= 0 {
		return nil, nil
	}
	res, err := claimScript.Run(ctx, q.rc,
		[]string{q.readyKey, q.procKey},
		int64(score(now)), max, int64(score(now.Add(q.visibility))),
	).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	tasks := make([]Task, 0, len(res))
	for _, member := range res {
		var t Task
		if err := json.Unmarshal([]byte(member), &t); err != nil {
			// unreadable member would be redelivered forever
			q.rc.ZRem(ctx, q.procKey, member)
			continue
		}
		t.raw = member
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	member := task.raw
	if member == "" {
		bs, err := json.Marshal(task)
		if err != nil {
			return err
		}
		member = string(bs)
	}
	return q.rc.ZRem(ctx, q.procKey, member).Err()
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.rc, []string{q.readyKey, q.procKey}, int64(score(now))).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired tasks: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	ready, err := q.rc.ZCard(ctx, q.readyKey).Result()
	if err != nil {
		return 0, err
	}
	proc, err := q.rc.ZCard(ctx, q.procKey).Result()
	if err != nil {
		return 0, err
	}
	return ready + proc, nil
}
