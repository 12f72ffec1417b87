package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	// Claim binds key to taskID for ttl unless another task holds it.
	// It returns the task id holding the key and whether the caller won.
	Claim(ctx context.Context, key, taskID string, ttl time.Duration) (string, bool, error)
	// ReleaseClaim deletes key only while it is still held by taskID.
	ReleaseClaim(ctx context.Context, key, taskID string) error

	// ReserveQuota increments the counter at key unless it already reached limit.
	// The counter expires at expireAt. Returns the counter value and whether it was incremented.
	ReserveQuota(ctx context.Context, key string, limit int, expireAt time.Time) (int64, bool, error)
	// RefundQuota gives back one unit reserved by ReserveQuota. Never goes below zero.
	RefundQuota(ctx context.Context, key string) error

	// SetJobSnapshot caches the client-visible part of job. Older versions
	// (by updated_at) never overwrite newer ones.
	SetJobSnapshot(ctx context.Context, job *models.Job, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, bool, error)
}

// snapshot strips the payload: it may be large and is never shown to clients.
func snapshot(job *models.Job) ([]byte, error) {
	cp := *job
	cp.Payload = nil
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal job snapshot: %w", err)
	}
	return data, nil
}

func snapshotVersion(job *models.Job) int64 {
	return job.UpdatedAt.UnixMicro()
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Claim(ctx context.Context, key, taskID string, ttl time.Duration) (string, bool, error) {
	// The holder may expire between SETNX and GET; one more round settles it.
	for i := 0; i < 2; i++ {
		ok, err := c.client.SetNX(ctx, key, taskID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return taskID, true, nil
		}
		holder, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read claim %s: %w", key, err)
		}
		return holder, holder == taskID, nil
	}
	return "", false, fmt.Errorf("claim %s: holder kept expiring", key)
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (c *RedisCache) ReleaseClaim(ctx context.Context, key, taskID string) error {
	if err := releaseScript.Run(ctx, c.client, []string{key}, taskID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

var reserveScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= limit then
	return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {1, cur}
`)

func (c *RedisCache) ReserveQuota(ctx context.Context, key string, limit int, expireAt time.Time) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, c.client, []string{key}, limit, expireAt.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve quota %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve quota %s: unexpected reply %v", key, res)
	}
	return res[1], res[0] == 1, nil
}

var refundScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

func (c *RedisCache) RefundQuota(ctx context.Context, key string) error {
	if err := refundScript.Run(ctx, c.client, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refund quota %s: %w", key, err)
	}
	return nil
}

var snapshotScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (c *RedisCache) SetJobSnapshot(ctx context.Context, job *models.Job, ttl time.Duration) error {
	data, err := snapshot(job)
	if err != nil {
		return err
	}
	err = snapshotScript.Run(ctx, c.client, []string{JobSnapshotKey(job.ID)},
		snapshotVersion(job), data, ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("set job snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, bool, error) {
	data, err := c.client.HGet(ctx, JobSnapshotKey(jobID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get job snapshot: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &job, true, nil
}
