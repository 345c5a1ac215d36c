package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const blockTimeout = time.Second

// RedisQueue is a reliable list queue: ids move atomically from the pending
// list to the processing list, and a sorted set tracks each lease deadline.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	leases     string
	lease      time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue named name on the Redis server at redisURL.
func NewRedisQueue(redisURL, name string, lease time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &RedisQueue{
		client:     redis.NewClient(opts),
		pending:    name + ":pending",
		processing: name + ":processing",
		leases:     name + ":leases",
		lease:      lease,
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.client.LPush(ctx, q.pending, id.String()).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}
		val, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			return uuid.Nil, fmt.Errorf("dequeue: %w", err)
		}
		id, err := uuid.Parse(val)
		if err != nil {
			slog.Warn("dropping malformed queue entry", "value", val)
			q.client.LRem(ctx, q.processing, 1, val)
			continue
		}
		if err := q.client.ZAdd(ctx, q.leases, redis.Z{Score: q.deadline(), Member: val}).Err(); err != nil {
			return uuid.Nil, fmt.Errorf("lease %s: %w", id, err)
		}
		return id, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, id uuid.UUID) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, id.String())
	pipe.ZRem(ctx, q.leases, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, id uuid.UUID) error {
	err := q.client.ZAddXX(ctx, q.leases, redis.Z{Score: q.deadline(), Member: id.String()}).Err()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", id, err)
	}
	return nil
}

// Reclaim requeues every delivery whose lease has expired. A consumer that
// dies between moving an id and leasing it leaves the id in the processing
// list with no lease; such ids are given a fresh lease here, so they expire
// and come back on a later pass. ZADD NX never shortens a lease the
// consumer has already written.
func (q *RedisQueue) Reclaim(ctx context.Context, reset func(context.Context, uuid.UUID) error) (int, error) {
	if err := q.adoptOrphans(ctx); err != nil {
		return 0, err
	}

	expired, err := q.client.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(nowScore(), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	n := 0
	for _, member := range expired {
		// Whoever removes the lease owns the requeue.
		removed, err := q.client.ZRem(ctx, q.leases, member).Result()
		if err != nil {
			return n, fmt.Errorf("claim lease %s: %w", member, err)
		}
		if removed == 0 {
			continue
		}
		if id, perr := uuid.Parse(member); perr == nil && reset != nil {
			if err := reset(ctx, id); err != nil {
				slog.Warn("reset of reclaimed job failed", "job_id", member, "error", err)
			}
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processing, 1, member)
		pipe.RPush(ctx, q.pending, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("requeue %s: %w", member, err)
		}
		n++
	}
	return n, nil
}

// adoptScript leases every processing id that has no lease, in one step so
// an id acknowledged meanwhile is never leased again.
var adoptScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	n = n + redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
end
return n
`)

func (q *RedisQueue) adoptOrphans(ctx context.Context) error {
	deadline := strconv.FormatFloat(q.deadline(), 'f', -1, 64)
	adopted, err := adoptScript.Run(ctx, q.client, []string{q.processing, q.leases}, deadline).Int()
	if err != nil {
		return fmt.Errorf("lease orphaned deliveries: %w", err)
	}
	if adopted > 0 {
		slog.Warn("leased orphaned queue deliveries", "count", adopted)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) deadline() float64 {
	return float64(time.Now().Add(q.lease).UnixMilli())
}

func nowScore() float64 {
	return float64(time.Now().UnixMilli())
}
