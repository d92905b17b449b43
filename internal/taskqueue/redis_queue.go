package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisPromoteLua atomically moves tasks whose NotBefore has passed from the
// delayed zset onto the ready list.
const redisPromoteLua = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, v in ipairs(due) do
  redis.call("LPUSH", KEYS[2], v)
  redis.call("ZREM", KEYS[1], v)
end
return #due
`

// RedisQueue is a Redis-backed Queue: immediate tasks live on a list consumed
// with BRPOP, delayed tasks wait in a sorted set scored by NotBefore and are
// promoted onto the list when due.
type RedisQueue struct {
	client  *redis.Client
	ready   string
	delayed string

	pollInterval time.Duration
	promote      *redis.Script
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. Keys are placed under the given prefix;
// an empty prefix defaults to "provisor:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "provisor:"
	}
	return &RedisQueue{
		client:       client,
		ready:        prefix + "queue:ready",
		delayed:      prefix + "queue:delayed",
		pollInterval: 250 * time.Millisecond,
		promote:      redis.NewScript(redisPromoteLua),
	}
}

type redisTaskPayload struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
	NotBefore  int64  `json:"not_before,omitempty"`
	Attempts   int    `json:"attempts"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	p := redisTaskPayload{
		ID:         t.ID,
		InstanceID: t.InstanceID,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		Attempts:   t.Attempts,
	}
	if !t.NotBefore.IsZero() {
		p.NotBefore = t.NotBefore.UnixNano()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if p.NotBefore > time.Now().UnixNano() {
		return q.client.ZAdd(ctx, q.delayed, redis.Z{
			Score:  float64(p.NotBefore),
			Member: string(data),
		}).Err()
	}
	return q.client.LPush(ctx, q.ready, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := q.promote.Run(ctx, q.client, []string{q.delayed, q.ready}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("promote delayed tasks: %w", err)
		}

		// A short BRPOP timeout keeps the loop responsive to both newly due
		// delayed tasks and context cancellation.
		res, err := q.client.BRPop(ctx, q.pollInterval, q.ready).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			continue
		}

		var p redisTaskPayload
		if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		t := &Task{
			ID:         p.ID,
			InstanceID: p.InstanceID,
			EnqueuedAt: time.Unix(0, p.EnqueuedAt),
			Attempts:   p.Attempts + 1,
		}
		if p.NotBefore != 0 {
			t.NotBefore = time.Unix(0, p.NotBefore)
		}
		return t, nil
	}
}

func (q *RedisQueue) Len() int {
	ctx := context.Background()
	ready, err := q.client.LLen(ctx, q.ready).Result()
	if err != nil {
		return 0
	}
	delayed, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return int(ready)
	}
	return int(ready + delayed)
}
