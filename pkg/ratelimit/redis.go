package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a sliding-window limiter over sorted sets, shared by every broker
// that points at the same Redis.
type Redis struct {
	rdb    redis.Cmdable
	limit  Limit
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter. Keys are stored as prefix+key.
func NewRedis(rdb redis.Cmdable, limit Limit, prefix string) *Redis {
	if prefix == "" {
		prefix = "unlock-broker:ratelimit:"
	}
	return &Redis{rdb: rdb, limit: limit, prefix: prefix, now: time.Now}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, rawURL string, limit Limit) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedis(client, limit, ""), client, nil
}

// Allow adds the request to the window, then removes it again if the window
// is over the limit.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("rate limit key required")
	}
	nowMs := r.now().UnixMilli()
	start := nowMs - r.limit.Window.Milliseconds()
	zkey := r.prefix + key
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()

	pipe := r.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(start, 10))
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(nowMs), Member: member})
	count := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, r.limit.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}

	if count.Val() > int64(r.limit.Max) {
		if err := r.rdb.ZRem(ctx, zkey, member).Err(); err != nil {
			return false, fmt.Errorf("redis rate limit: %w", err)
		}
		return false, nil
	}
	return true, nil
}
