package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const pendingKey = "reconcile:pending"

// RedisQueue parks undeliverable meter events in a Redis list so retries
// survive process restarts and are shared across service instances.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, ev *MeterEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal meter event: %w", err)
	}
	if err := q.rdb.LPush(ctx, pendingKey, data).Err(); err != nil {
		return fmt.Errorf("queue meter event: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*MeterEvent, error) {
	data, err := q.rdb.RPop(ctx, pendingKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("dequeue meter event: %w", err)
	}
	var ev MeterEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal meter event: %w", err)
	}
	return &ev, nil
}
