package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache implements Cache in process memory. It is used in development
// when REDIS_URL is empty and by tests; state is not shared between processes.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// lookup must be called with mu held.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: c.expiry(ttl)}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) counter(key string) (memoryEntry, int64) {
	e, ok := c.lookup(key)
	if !ok {
		return memoryEntry{}, 0
	}
	n, _ := strconv.ParseInt(string(e.value), 10, 64)
	return e, n
}

func (c *MemoryCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, n := c.counter(key)
	n++
	c.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: c.expiry(expiry)}
	return n, nil
}

func (c *MemoryCache) Claim(ctx context.Context, key, taskID string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookup(key); ok {
		holder := string(e.value)
		return holder, holder == taskID, nil
	}
	c.entries[key] = memoryEntry{value: []byte(taskID), expiresAt: c.expiry(ttl)}
	return taskID, true, nil
}

func (c *MemoryCache) ReleaseClaim(ctx context.Context, key, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookup(key); ok && string(e.value) == taskID {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryCache) ReserveQuota(ctx context.Context, key string, limit int, expireAt time.Time) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, n := c.counter(key)
	if n >= int64(limit) {
		return n, false, nil
	}
	n++
	c.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: expireAt}
	return n, true, nil
}

func (c *MemoryCache) RefundQuota(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, n := c.counter(key)
	if n <= 0 {
		return nil
	}
	e.value = []byte(strconv.FormatInt(n-1, 10))
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) SetJobSnapshot(ctx context.Context, job *models.Job, ttl time.Duration) error {
	data, err := snapshot(job)
	if err != nil {
		return err
	}
	key := JobSnapshotKey(job.ID)
	version := snapshotVersion(job)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookup(key); ok && e.version > version {
		return nil
	}
	c.entries[key] = memoryEntry{value: data, version: version, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *MemoryCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.Job, bool, error) {
	c.mu.Lock()
	e, ok := c.lookup(JobSnapshotKey(jobID))
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	var job models.Job
	if err := json.Unmarshal(e.value, &job); err != nil {
		return nil, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &job, true, nil
}
