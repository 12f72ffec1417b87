package cache_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// forEachCache runs fn against MemoryCache and, outside -short, against Redis.
func forEachCache(t *testing.T, fn func(t *testing.T, c cache.Cache)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, cache.NewMemoryCache())
	})
	t.Run("redis", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, setupRedis(t))
	})
}

func TestPing(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		assert.NoError(t, c.Ping(context.Background()))
	})
}

func TestSetGetDelete(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()

		require.NoError(t, c.Set(ctx, "test:key", []byte("hello"), 10*time.Second))
		val, found, err := c.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("hello"), val)

		require.NoError(t, c.Delete(ctx, "test:key"))
		val, found, err = c.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, val)
	})
}

func TestIncrWithExpiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			n, err := c.IncrWithExpiry(ctx, cache.RateLimitKey("jc_abcd"), time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
	})
}

func TestClaim_FirstWriterWins(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.DedupKey("owner-1", models.JobKindRecognition, "k1")

		holder, won, err := c.Claim(ctx, key, "task-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)
		assert.Equal(t, "task-a", holder)

		holder, won, err = c.Claim(ctx, key, "task-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, "task-a", holder)

		// Re-claiming with the same task id is not a conflict.
		_, won, err = c.Claim(ctx, key, "task-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)
	})
}

func TestClaim_Concurrent(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.DedupKey("owner-1", models.JobKindRecognition, "race")

		const n = 16
		var wg sync.WaitGroup
		holders := make([]string, n)
		wins := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, w, err := c.Claim(ctx, key, uuid.NewString(), time.Minute)
				assert.NoError(t, err)
				holders[i], wins[i] = h, w
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := 0; i < n; i++ {
			if wins[i] {
				winners++
			}
			assert.Equal(t, holders[0], holders[i], "every caller sees the same holder")
		}
		assert.Equal(t, 1, winners)
	})
}

func TestReleaseClaim_OnlyHolder(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.DedupKey("owner-1", models.JobKindRecognition, "rel")

		_, _, err := c.Claim(ctx, key, "task-a", time.Minute)
		require.NoError(t, err)

		require.NoError(t, c.ReleaseClaim(ctx, key, "task-b"))
		holder, won, err := c.Claim(ctx, key, "task-c", time.Minute)
		require.NoError(t, err)
		assert.False(t, won)
		assert.Equal(t, "task-a", holder)

		require.NoError(t, c.ReleaseClaim(ctx, key, "task-a"))
		_, won, err = c.Claim(ctx, key, "task-c", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)
	})
}

func TestReserveQuota_StopsAtLimit(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.QuotaKey("recognition", "owner-1", "2026-10-16")
		expireAt := time.Now().Add(time.Hour)

		for i := int64(1); i <= 3; i++ {
			n, ok, err := c.ReserveQuota(ctx, key, 3, expireAt)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, n)
		}

		n, ok, err := c.ReserveQuota(ctx, key, 3, expireAt)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(3), n, "a rejected reservation consumes nothing")

		require.NoError(t, c.RefundQuota(ctx, key))
		n, ok, err = c.ReserveQuota(ctx, key, 3, expireAt)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(3), n)
	})
}

func TestReserveQuota_ConcurrentNeverExceedsLimit(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.QuotaKey("recognition", "owner-1", "2026-10-17")
		expireAt := time.Now().Add(time.Hour)

		const limit, callers = 5, 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := c.ReserveQuota(ctx, key, limit, expireAt)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, limit, accepted)
	})
}

func TestRefundQuota_NeverNegative(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		key := cache.QuotaKey("recognition", "owner-2", "2026-10-16")

		require.NoError(t, c.RefundQuota(ctx, key))
		n, ok, err := c.ReserveQuota(ctx, key, 1, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), n)
	})
}

func TestJobSnapshot_RoundtripWithoutPayload(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		job := &models.Job{
			ID:             uuid.New(),
			Kind:           models.JobKindRecognition,
			OwnerID:        "owner-1",
			State:          models.JobStateSuccess,
			AttemptCount:   1,
			MaxAttempts:    3,
			Payload:        json.RawMessage(`{"object_key":"secret"}`),
			ResultEnvelope: json.RawMessage(`{"dishes":[]}`),
			UpdatedAt:      time.Now().UTC(),
		}
		require.NoError(t, c.SetJobSnapshot(ctx, job, time.Minute))

		got, found, err := c.GetJobSnapshot(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, models.JobStateSuccess, got.State)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Nil(t, got.Payload)
		assert.JSONEq(t, `{"dishes":[]}`, string(got.ResultEnvelope))

		_, found, err = c.GetJobSnapshot(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestJobSnapshot_OlderNeverOverwritesNewer(t *testing.T) {
	forEachCache(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		now := time.Now().UTC()
		id := uuid.New()

		newer := &models.Job{ID: id, State: models.JobStateSuccess, UpdatedAt: now}
		older := &models.Job{ID: id, State: models.JobStateStarted, UpdatedAt: now.Add(-time.Second)}

		require.NoError(t, c.SetJobSnapshot(ctx, newer, time.Minute))
		require.NoError(t, c.SetJobSnapshot(ctx, older, time.Minute))

		got, found, err := c.GetJobSnapshot(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, models.JobStateSuccess, got.State)
	})
}
