package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "observer:q:"

// RedisQueue is a bounded FIFO queue on a Redis list, shared with the graph
// engine endpoint. Capacity is advisory: producers back off while LLEN is
// at or above it.
type RedisQueue struct {
	name      string
	key       string
	capacity  int64
	droppable bool
	rdb       *redis.Client
}

// Ensure RedisQueue implements the Queue interface
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a list-backed queue for a channel.
func NewRedisQueue(rdb *redis.Client, name string, capacity int) *RedisQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &RedisQueue{
		name:      name,
		key:       redisKeyPrefix + name,
		capacity:  int64(capacity),
		droppable: sheddable[name],
		rdb:       rdb,
	}
}

// Enqueue pushes a payload, backing off while the list is at capacity.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	return enqueueWithBackoff(ctx, q.name, q.droppable, func() bool {
		n, err := q.rdb.LLen(ctx, q.key).Result()
		if err != nil || n >= q.capacity {
			return false
		}
		return q.rdb.RPush(ctx, q.key, payload).Err() == nil
	})
}

// Dequeue blocks on the list head until a payload arrives or the context
// ends.
func (q *RedisQueue) Dequeue(ctx context.Context) ([]byte, error) {
	for {
		res, err := q.rdb.BLPop(ctx, time.Second, q.key).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		// BLPOP returns [key, value]
		return []byte(res[1]), nil
	}
}

// Close is a no-op; the shared client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
